package dispatcher

import (
	"errors"

	"go.uber.org/zap"

	"mini-dispatch/message"
)

// ErrorHandler customizes fault replies and observes errors.
type ErrorHandler interface {
	// ProvideFault may replace fault (nil when no fault was produced yet) with its own message.
	ProvideFault(err error, version message.Version, fault *message.Message) *message.Message
	// HandleError is called for every error and reports whether the handler dealt with it.
	HandleError(err error) bool
}

const genericFaultReason = "The server was unable to process the request due to an internal error."

// faultInfo is the outcome of running an error through the fault policy.
type faultInfo struct {
	fault *message.Message
	// unhandled marks the fault of last resort and internal faults relayed from elsewhere.
	unhandled bool
	// internal marks an internal service fault relayed from another dispatcher.
	internal bool
	handled  bool
}

// mustAbortSession applies the session rule: an error nobody handled, or a relayed internal fault
// regardless of what the handlers said, leaves session state suspect.
func (fi faultInfo) mustAbortSession(hasSession bool) bool {
	return hasSession && (!fi.handled || fi.internal)
}

type faultPolicy struct {
	handlers      []ErrorHandler
	includeDetail bool
	log           *zap.Logger
}

// provideFault produces the fault for err: a FaultError directly, then the operation's fault
// formatter, then every error handler in order, then the fault of last resort.
func (p *faultPolicy) provideFault(err error, op *Operation, v message.Version) faultInfo {
	var fi faultInfo
	var fe *message.FaultError
	switch {
	case errors.As(err, &fe):
		fi.fault = message.CreateFaultMessage(v, fe.Fault(v))
		if fe.IsInternal() {
			fi.unhandled, fi.internal = true, true
		}
	case op != nil && op.faultFormatter != nil:
		if f, ok := op.faultFormatter.ProvideFault(err, v); ok && f != nil {
			fi.fault = message.CreateFaultMessage(v, f)
		}
	}
	for _, h := range p.handlers {
		if replaced := h.ProvideFault(err, v, fi.fault); replaced != fi.fault {
			if fi.fault != nil {
				fi.fault.Close()
			}
			fi.fault = replaced
		}
	}
	if fi.fault == nil {
		detail := ""
		if p.includeDetail {
			detail = err.Error()
		}
		fi.fault = message.CreateFaultMessage(v, message.NewInternalServiceFault(v, genericFaultReason, detail))
		fi.unhandled = true
	}
	return fi
}

// handleError notifies every handler and reports whether any of them handled err.
func (p *faultPolicy) handleError(err error) bool {
	handled := false
	for _, h := range p.handlers {
		if h.HandleError(err) {
			handled = true
		}
	}
	return handled
}

// process runs both steps for an error raised by an operation or a pipeline stage.
func (p *faultPolicy) process(err error, op *Operation, v message.Version, notify func(error) bool) faultInfo {
	if IsFatal(err) {
		p.log.Error("fatal error in dispatch", zap.Error(err))
		panic(err)
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		p.log.Error("configuration error in dispatch", zap.String("op", ce.Op), zap.Error(ce.Err))
	}
	fi := p.provideFault(err, op, v)
	handledByHandler := notify(err)
	fi.handled = (fi.fault != nil && !fi.unhandled) || handledByHandler
	return fi
}

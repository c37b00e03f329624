package main

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"mini-dispatch/codec"
)

const mathNamespace = "urn:mini-dispatch:math"

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

// DivideByZero is the declared fault of Arith.Divide.
type DivideByZero struct {
	Dividend int `json:"dividend"`
}

func (e *DivideByZero) Error() string { return "divide by zero" }

// Arith is the sample contract served by dispatchd.
type Arith struct {
	log   *zap.Logger
	notes atomic.Int64
}

func (a *Arith) Add(_ context.Context, args *Args) (*Reply, error) {
	return &Reply{Result: args.A + args.B}, nil
}

func (a *Arith) Multiply(_ context.Context, args *Args) (*Reply, error) {
	return &Reply{Result: args.A * args.B}, nil
}

func (a *Arith) Divide(_ context.Context, args *Args) (*Reply, error) {
	if args.B == 0 {
		return nil, &DivideByZero{Dividend: args.A}
	}
	return &Reply{Result: args.A / args.B}, nil
}

// Notify is one-way.
func (a *Arith) Notify(_ context.Context, args *Args) error {
	n := a.notes.Add(1)
	a.log.Debug("notified", zap.Int("a", args.A), zap.Int("b", args.B), zap.Int64("count", n))
	return nil
}

func arithFaults() *codec.JSONFaultFormatter {
	return codec.NewJSONFaultFormatter().
		Declare((*DivideByZero)(nil), codec.FaultContract{Name: "DivideByZero", Namespace: mathNamespace})
}

// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package svcutil has the glue between suture services, sync outcomes and
// process exit statuses.
package svcutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/syncthing/bundlesync/lib/model"
)

const ServiceTimeout = 10 * time.Second

type FatalErr struct {
	Err    error
	Status ExitStatus
}

// AsFatalErr wraps the given error creating a FatalErr. If the given error
// already is of type FatalErr, it is not wrapped again.
func AsFatalErr(err error, status ExitStatus) *FatalErr {
	var ferr *FatalErr
	if errors.As(err, &ferr) {
		return ferr
	}
	return &FatalErr{
		Err:    err,
		Status: status,
	}
}

func (e *FatalErr) Error() string {
	return e.Err.Error()
}

func (e *FatalErr) Unwrap() error {
	return e.Err
}

func (e *FatalErr) Is(target error) bool {
	return target == suture.ErrTerminateSupervisorTree
}

// NoRestartErr wraps the given error err (which may be nil) to make sure that
// `errors.Is(err, suture.ErrDoNotRestart) == true`.
func NoRestartErr(err error) error {
	if err == nil {
		return suture.ErrDoNotRestart
	}
	return &noRestartErr{err}
}

type noRestartErr struct {
	err error
}

func (e *noRestartErr) Error() string {
	return e.err.Error()
}

func (e *noRestartErr) Unwrap() error {
	return e.err
}

func (e *noRestartErr) Is(target error) bool {
	return target == suture.ErrDoNotRestart
}

type ExitStatus int

const (
	ExitSuccess    ExitStatus = 0
	ExitError      ExitStatus = 1
	ExitIncomplete ExitStatus = 3
	ExitCancelled  ExitStatus = 4
)

func (s ExitStatus) AsInt() int {
	return int(s)
}

func (s ExitStatus) String() string {
	switch s {
	case ExitSuccess:
		return "success"
	case ExitError:
		return "error"
	case ExitIncomplete:
		return "incomplete"
	case ExitCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// SyncStatus maps the outcome of a sync to an exit status. Cancellation
// takes precedence over everything else; failed bundles make the outcome
// incomplete rather than an error.
func SyncStatus(res model.Result, err error) ExitStatus {
	switch {
	case errors.Is(err, model.ErrCancelled) || errors.Is(err, context.Canceled):
		return ExitCancelled
	case err != nil:
		return ExitError
	case !res.Complete():
		return ExitIncomplete
	default:
		return ExitSuccess
	}
}

type ServiceWithError interface {
	suture.Service
	fmt.Stringer
	Error() error
}

// AsService wraps the given function to implement suture.Service. In addition
// it keeps track of the returned error and allows querying that error.
func AsService(fn func(ctx context.Context) error, creator string) ServiceWithError {
	return &service{
		creator: creator,
		serve:   fn,
	}
}

type service struct {
	creator string
	serve   func(ctx context.Context) error
	err     error
	mut     sync.Mutex
}

func (s *service) Serve(ctx context.Context) error {
	s.mut.Lock()
	s.err = nil
	s.mut.Unlock()

	err := s.serve(ctx)

	s.mut.Lock()
	s.err = err
	s.mut.Unlock()

	return err
}

func (s *service) Error() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.err
}

func (s *service) String() string {
	return fmt.Sprintf("Service@%p created by %v", s, s.creator)
}

type doneService func()

func (fn doneService) Serve(ctx context.Context) error {
	<-ctx.Done()
	fn()
	return nil
}

// OnSupervisorDone calls fn when sup is done.
func OnSupervisorDone(sup *suture.Supervisor, fn func()) {
	sup.Add(doneService(fn))
}

// SpecWithDebugLogger returns a supervisor spec logging service events at
// debug level.
func SpecWithDebugLogger() suture.Spec {
	return spec(func(e suture.Event) { slog.Debug(e.String()) })
}

// SpecWithInfoLogger returns a supervisor spec logging service events at
// info level.
func SpecWithInfoLogger() suture.Spec {
	return spec(func(e suture.Event) { slog.Info(e.String()) })
}

func spec(eventHook suture.EventHook) suture.Spec {
	return suture.Spec{
		EventHook:                eventHook,
		Timeout:                  ServiceTimeout,
		PassThroughPanics:        true,
		DontPropagateTermination: false,
	}
}

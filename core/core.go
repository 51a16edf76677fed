// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package core provides the built-in services every daemon carries:
// the "core" introspection service (jobs, events, sessions,
// downloads) and the "auth" service backing session authentication
// and the transfer endpoints.
package core

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/job"
	"github.com/modryn/go-dispatch/transfer"
)

// Service is the "core" built-in service.
type Service struct {
	logger     *logrus.Entry
	middleware *dispatch.Middleware
	downloads  *transfer.Registry
}

// NewService creates the core service.  downloads may be nil when
// the daemon runs without transfer endpoints.
func NewService(m *dispatch.Middleware, logger *logrus.Logger, downloads *transfer.Registry) *Service {
	return &Service{
		logger:     logger.WithField("service", "core"),
		middleware: m,
		downloads:  downloads,
	}
}

// Config implements dispatch.Service.
func (s *Service) Config() dispatch.ServiceConfig {
	return dispatch.ServiceConfig{Name: "core"}
}

// Methods implements dispatch.Service.
func (s *Service) Methods() []*dispatch.Method {
	return []*dispatch.Method{
		{Name: "ping", NoAuth: true, Handler: s.ping},
		{Name: "get_jobs", Handler: s.getJobs},
		{Name: "job_wait", Job: &job.Options{Transient: true}, Handler: s.jobWait},
		{Name: "job_abort", Handler: s.jobAbort},
		{Name: "get_events", Handler: s.getEvents},
		{Name: "get_methods", Handler: s.getMethods},
		{Name: "sessions", Handler: s.sessions},
		{Name: "download", Handler: s.download},
	}
}

func (s *Service) ping(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	return "pong", nil
}

func (s *Service) getJobs(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	jobs := s.middleware.Jobs().All()
	out := make([]map[string]interface{}, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out, nil
}

// jobID coerces a wire parameter into a job id.  JSON numbers decode
// as float64.
func jobID(args []interface{}, index int) (int64, error) {
	if index >= len(args) {
		return 0, errors.NewCallError(errors.EINVAL, "missing job id argument")
	}
	switch v := args[index].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, errors.NewCallError(errors.EINVAL, "invalid job id %v", args[index])
	}
}

// jobWait runs as a transient job that mirrors the target job's
// progress and settles with its result or error.
func (s *Service) jobWait(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	id, err := jobID(call.Args, 0)
	if err != nil {
		return nil, err
	}
	target, err := s.middleware.Jobs().Get(id)
	if err != nil {
		return nil, err
	}
	return call.Job.Wrap(ctx, target)
}

func (s *Service) jobAbort(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	id, err := jobID(call.Args, 0)
	if err != nil {
		return nil, err
	}
	j, err := s.middleware.Jobs().Get(id)
	if err != nil {
		return nil, err
	}
	j.Abort()
	return nil, nil
}

func (s *Service) getEvents(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	descriptions := s.middleware.Events().List()
	out := make([]map[string]interface{}, 0, len(descriptions))
	for _, d := range descriptions {
		out = append(out, map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"private":     d.Private,
		})
	}
	return out, nil
}

func (s *Service) getMethods(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	return s.middleware.Registry().MethodNames(), nil
}

func (s *Service) sessions(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	return s.middleware.Sessions(), nil
}

// download dispatches a job-mode method with a fresh output pipe and
// registers the pipe for claiming over HTTP.  The return value is
// the job id and the relative download URL.
func (s *Service) download(ctx context.Context, call *dispatch.Call) (interface{}, error) {
	if s.downloads == nil {
		return nil, errors.NewCallError(errors.ESERVICESTARTFAILURE, "file transfer is not enabled")
	}
	if len(call.Args) < 3 {
		return nil, errors.NewCallError(errors.EINVAL, "download requires method, params and filename")
	}
	method, ok := call.Args[0].(string)
	if !ok {
		return nil, errors.NewCallError(errors.EINVAL, "method name must be a string")
	}
	params, _ := call.Args[1].([]interface{})
	filename, ok := call.Args[2].(string)
	if !ok {
		return nil, errors.NewCallError(errors.EINVAL, "filename must be a string")
	}

	pipe, err := job.NewPipe()
	if err != nil {
		return nil, &errors.InternalError{Err: err}
	}
	result, err := s.middleware.Call(ctx, method, params, dispatch.CallOptions{
		Session: call.Session,
		Pipes:   &job.Pipes{Output: pipe},
	})
	if err != nil {
		pipe.Close()
		return nil, err
	}
	j, ok := result.(*job.Job)
	if !ok {
		pipe.Close()
		return nil, errors.NewCallError(errors.EINVAL, "method %s is not a job method", method)
	}

	token := s.downloads.RegisterDownload(j, filename)
	query := url.Values{}
	query.Set("auth_token", token)
	query.Set("filename", filename)
	return []interface{}{j.ID(), fmt.Sprintf("/_download/%d?%s", j.ID(), query.Encode())}, nil
}

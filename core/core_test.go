// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

package core

import (
	"context"
	"io/ioutil"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modryn/go-dispatch/dispatch"
	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/job"
	"github.com/modryn/go-dispatch/transfer"
)

type demoService struct{}

func (demoService) Config() dispatch.ServiceConfig {
	return dispatch.ServiceConfig{Name: "demo"}
}

func (demoService) Methods() []*dispatch.Method {
	return []*dispatch.Method{
		{
			Name: "slow",
			Job:  &job.Options{},
			Handler: func(ctx context.Context, call *dispatch.Call) (interface{}, error) {
				select {
				case <-time.After(50 * time.Millisecond):
					return 42, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
		{
			Name: "forever",
			Job:  &job.Options{},
			Handler: func(ctx context.Context, call *dispatch.Call) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		{
			Name: "export",
			Job:  &job.Options{Pipes: []string{"output"}},
			Handler: func(ctx context.Context, call *dispatch.Call) (interface{}, error) {
				_, err := call.Job.Pipes().Output.W.Write([]byte("export data"))
				return nil, err
			},
		},
	}
}

func newCore(t *testing.T) (*dispatch.Middleware, *transfer.Registry) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	m := dispatch.New(dispatch.Options{Logger: logger, JobLogsDir: t.TempDir()})
	downloads := transfer.NewRegistry(logger, clock.New())
	require.NoError(t, m.RegisterService(NewService(m, logger, downloads)))
	require.NoError(t, m.RegisterService(NewAuthService(logger, clock.New(), map[string]string{"root": "secret"})))
	require.NoError(t, m.RegisterService(demoService{}))
	return m, downloads
}

func TestPing(t *testing.T) {
	m, _ := newCore(t)
	result, err := m.Call(context.Background(), "core.ping", nil, dispatch.CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, "pong", result)
}

func TestGetJobs(t *testing.T) {
	m, _ := newCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.CallSync(ctx, "demo.slow", nil, dispatch.CallOptions{})
	require.NoError(t, err)

	result, err := m.Call(context.Background(), "core.get_jobs", nil, dispatch.CallOptions{})
	require.NoError(t, err)
	jobs := result.([]map[string]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "demo.slow", jobs[0]["method"])
	assert.Equal(t, "SUCCESS", jobs[0]["state"])
}

func TestJobWait(t *testing.T) {
	m, _ := newCore(t)
	result, err := m.Call(context.Background(), "demo.slow", nil, dispatch.CallOptions{})
	require.NoError(t, err)
	target := result.(*job.Job)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	value, err := m.CallSync(ctx, "core.job_wait", []interface{}{float64(target.ID())}, dispatch.CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestJobWaitUnknownID(t *testing.T) {
	m, _ := newCore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.CallSync(ctx, "core.job_wait", []interface{}{float64(12345)}, dispatch.CallOptions{})
	assert.Equal(t, errors.ENOENT, errors.Errno(err))
}

func TestJobAbort(t *testing.T) {
	m, _ := newCore(t)
	result, err := m.Call(context.Background(), "demo.forever", nil, dispatch.CallOptions{})
	require.NoError(t, err)
	target := result.(*job.Job)

	_, err = m.Call(context.Background(), "core.job_abort", []interface{}{float64(target.ID())}, dispatch.CallOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = target.Wait(ctx)
	assert.Error(t, err)
	assert.Equal(t, job.Aborted, target.State())
}

func TestGetEventsAndMethods(t *testing.T) {
	m, _ := newCore(t)
	result, err := m.Call(context.Background(), "core.get_events", nil, dispatch.CallOptions{})
	require.NoError(t, err)
	events := result.([]map[string]interface{})
	var names []string
	for _, ev := range events {
		names = append(names, ev["name"].(string))
	}
	assert.Contains(t, names, "core.get_jobs")

	result, err = m.Call(context.Background(), "core.get_methods", nil, dispatch.CallOptions{})
	require.NoError(t, err)
	methods := result.([]string)
	assert.Contains(t, methods, "core.ping")
	assert.Contains(t, methods, "auth.login")
	assert.Contains(t, methods, "demo.slow")
}

func TestDownloadMethod(t *testing.T) {
	m, downloads := newCore(t)
	result, err := m.Call(context.Background(), "core.download",
		[]interface{}{"demo.export", []interface{}{}, "export.bin"}, dispatch.CallOptions{})
	require.NoError(t, err)

	pair := result.([]interface{})
	require.Len(t, pair, 2)
	id := pair[0].(int64)
	url := pair[1].(string)
	assert.True(t, strings.HasPrefix(url, "/_download/"), "got %q", url)
	assert.Contains(t, url, "auth_token=")
	assert.Contains(t, url, "filename=export.bin")
	assert.Equal(t, 1, downloads.Pending())

	j, err := m.Jobs().Get(id)
	require.NoError(t, err)
	data, err := ioutil.ReadAll(j.Pipes().Output.R)
	require.NoError(t, err)
	assert.Equal(t, "export data", string(data))
}

func TestDownloadMethodEscapesFilename(t *testing.T) {
	m, _ := newCore(t)
	result, err := m.Call(context.Background(), "core.download",
		[]interface{}{"demo.export", []interface{}{}, "backup #1 & more.tar"}, dispatch.CallOptions{})
	require.NoError(t, err)

	pair := result.([]interface{})
	require.Len(t, pair, 2)
	u, err := url.Parse(pair[1].(string))
	require.NoError(t, err)
	assert.Equal(t, "backup #1 & more.tar", u.Query().Get("filename"))
	assert.NotEmpty(t, u.Query().Get("auth_token"))
}

func TestDownloadRejectsNonJobMethod(t *testing.T) {
	m, _ := newCore(t)
	_, err := m.Call(context.Background(), "core.download",
		[]interface{}{"core.ping", []interface{}{}, "x"}, dispatch.CallOptions{})
	assert.Equal(t, errors.EINVAL, errors.Errno(err))
}

func TestAuthLoginFlow(t *testing.T) {
	m, _ := newCore(t)

	result, err := m.Call(context.Background(), "auth.login", []interface{}{"root", "wrong"}, dispatch.CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, false, result)

	result, err = m.Call(context.Background(), "auth.login", []interface{}{"root", "secret"}, dispatch.CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = m.Call(context.Background(), "auth.check_user", []interface{}{"nobody", "secret"}, dispatch.CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, false, result)
}

func TestAuthTokens(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	clk := clock.NewMock()
	auth := NewAuthService(logger, clk, map[string]string{"root": "secret"})

	result, err := auth.generateToken(context.Background(), &dispatch.Call{})
	require.NoError(t, err)
	token := result.(string)
	assert.True(t, auth.CheckToken(token))

	// Each use renews the idle timer.
	clk.Add(DefaultTokenTTL - time.Second)
	assert.True(t, auth.CheckToken(token))
	clk.Add(DefaultTokenTTL - time.Second)
	assert.True(t, auth.CheckToken(token))

	clk.Add(DefaultTokenTTL + time.Second)
	assert.False(t, auth.CheckToken(token), "idle tokens expire")
	assert.False(t, auth.CheckToken("no-such-token"))
}

func TestAuthTokenLogin(t *testing.T) {
	m, _ := newCore(t)
	token, err := m.Call(context.Background(), "auth.generate_token", nil, dispatch.CallOptions{})
	require.NoError(t, err)

	result, err := m.Call(context.Background(), "auth.token", []interface{}{token}, dispatch.CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, true, result)

	result, err = m.Call(context.Background(), "auth.token", []interface{}{"bogus"}, dispatch.CallOptions{})
	assert.NoError(t, err)
	assert.Equal(t, false, result)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package web_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/gatekeep/gatekeep/internal/web"
	"github.com/gatekeep/gatekeep/pkg/errutil"
)

func TestServer_Lifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hello")
	})
	srv := web.NewServer("127.0.0.1:0", handler, nil)
	assert.Empty(t, srv.Addr())

	errCh, err := srv.Start()
	require.NoError(t, err)
	require.NotEmpty(t, srv.Addr())

	_, err = srv.Start()
	errutil.AssertErrorCode(t, err, "HTTP_ALREADY_RUNNING")

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "hello", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx), "second stop is a no-op")

	_, open := <-errCh
	assert.False(t, open, "error channel closes after shutdown")
}

func TestServer_ListenFailure(t *testing.T) {
	srv := web.NewServer("256.0.0.1:0", http.NotFoundHandler(), nil)
	_, err := srv.Start()
	errutil.AssertErrorCode(t, err, "HTTP_LISTEN_FAILED")
}

// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/despacho/ci"
	"github.com/hashicorp/despacho/helper/testlog"
)

func TestSender_Send(t *testing.T) {
	ci.Parallel(t)

	var gotPath string
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		must.NoError(t, json.Unmarshal(raw, &gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)

	sender := NewSender("tok123", ts.URL, testlog.HCLogger(t))
	must.NoError(t, sender.Send(context.Background(), "42", "Olá!"))

	must.Eq(t, "/bottok123/sendMessage", gotPath)
	must.Eq(t, map[string]string{"chat_id": "42", "text": "Olá!"}, gotBody)
}

func TestSender_ErrorStatus(t *testing.T) {
	ci.Parallel(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	sender := NewSender("tok", ts.URL, testlog.HCLogger(t))
	err := sender.Send(context.Background(), "42", "oi")
	must.Error(t, err)
	must.StrContains(t, err.Error(), "status 400")
}

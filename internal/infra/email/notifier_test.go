package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNotifyFailureSendsMail(t *testing.T) {
	n := NewSMTPNotifier("mail", 25, "worker@bb.local", "ops@bb.local", zap.NewNop())

	var gotAddr string
	var gotTo []string
	var gotMsg []byte
	n.send = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		return nil
	}

	require.NoError(t, n.NotifyFailure(context.Background(), "cam0/seg.mkv", "framing error"))
	assert.Equal(t, "mail:25", gotAddr)
	assert.Equal(t, []string{"ops@bb.local"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: bb-ingest - segment failed [cam0/seg.mkv]")
	assert.Contains(t, string(gotMsg), "Error: framing error")
}

func TestNotifyFailureDisabled(t *testing.T) {
	n := NewSMTPNotifier("mail", 25, "worker@bb.local", "", zap.NewNop())
	n.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("no mail expected")
		return nil
	}
	assert.NoError(t, n.NotifyFailure(context.Background(), "k", "e"))
}

func TestNotifyFailureSendError(t *testing.T) {
	n := NewSMTPNotifier("mail", 25, "worker@bb.local", "ops@bb.local", zap.NewNop())
	n.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.ErrorContains(t, n.NotifyFailure(context.Background(), "k", "e"), "refused")
}

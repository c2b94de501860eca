package main

import (
	"errors"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/stretchr/testify/assert"

	"github.com/whisper/notice-relay/client"
	"github.com/whisper/notice-relay/internal/protocol"
)

func TestFormatMessage(t *testing.T) {
	color.Disable()

	date := time.Date(2024, 3, 5, 1, 30, 0, 0, time.UTC)
	notice := client.Message{
		Raw:    []byte(`{"date":"2024-03-05T01:30:00.000Z","message":"hello"}`),
		Notice: protocol.Notice{Date: date, Message: "hello"},
	}

	assert.Equal(t, date.Local().Format("2006-01-02 15:04:05")+" hello", formatMessage(notice, false))
	assert.Equal(t, string(notice.Raw), formatMessage(notice, true))

	cleared := client.Message{Notice: protocol.NewClear()}
	assert.Equal(t, "-- cleared --", formatMessage(cleared, false))

	bad := client.Message{Raw: []byte("nope"), Err: errors.New("malformed")}
	assert.Equal(t, "undecodable: nope", formatMessage(bad, false))

	undated := client.Message{Notice: protocol.Notice{RawDate: "someday", Message: "x"}}
	assert.Equal(t, "someday x", formatMessage(undated, false))
}

func TestRelayURL(t *testing.T) {
	t.Setenv("RELAY_URL", "")
	assert.Equal(t, defaultURL, relayURL())

	t.Setenv("RELAY_URL", "ws://relay:4040/")
	assert.Equal(t, "ws://relay:4040/", relayURL())
}

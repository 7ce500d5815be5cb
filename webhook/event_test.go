package webhook

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileClosed(t *testing.T) {
	body := []byte(`{
		"EventType": "FileClosed",
		"EventTimestamp": "2024-05-01T10:05:01+08:00",
		"EventId": "e1",
		"EventData": {
			"RoomId": 23058,
			"Name": "streamer",
			"Title": "evening",
			"RelativePath": "23058-streamer/录制-23058-20240501-100000-000-evening.flv",
			"FileSize": 123456,
			"Duration": 300.5,
			"FileOpenTime": "2024-05-01T10:00:00+08:00",
			"FileCloseTime": "2024-05-01T10:05:00+08:00",
			"SessionId": "s1"
		}
	}`)
	ev, err := Parse(body)
	require.NoError(t, err)
	fc, ok := ev.(FileClosed)
	require.True(t, ok)
	assert.Equal(t, TypeFileClosed, fc.Type())
	assert.Equal(t, "23058", fc.Info().RoomID)
	assert.Equal(t, "streamer", fc.RoomName)
	assert.Equal(t, int64(123456), fc.FileSize)
	assert.Equal(t, 5*time.Minute, fc.FileCloseTime.Sub(fc.FileOpenTime))
	assert.Equal(t, "s1", fc.SessionID)
	assert.NotEmpty(t, fc.Raw)
}

func TestParseVariants(t *testing.T) {
	cases := []struct {
		body string
		want Type
	}{
		{`{"EventType":"SessionStarted","EventData":{"RoomId":"42"}}`, TypeSessionStarted},
		{`{"EventType":"SessionEnded","EventData":{"RoomId":42}}`, TypeSessionEnded},
		{`{"EventType":"StreamEnded","EventData":{"RoomId":42}}`, TypeStreamEnded},
		{`{"EventType":"FileOpening","EventData":{"RoomId":42,"RelativePath":"a.flv"}}`, TypeFileOpening},
	}
	for _, c := range cases {
		ev, err := Parse([]byte(c.body))
		require.NoError(t, err, c.body)
		assert.Equal(t, c.want, ev.Type())
		assert.Equal(t, "42", ev.Info().RoomID)
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`{"EventType":"Bogus","EventData":{"RoomId":1}}`))
	assert.True(t, errors.Is(err, ErrUnknownEventType))

	_, err = Parse([]byte(`{"EventType":"SessionStarted","EventData":{}}`))
	assert.True(t, errors.Is(err, ErrMissingRoomID))

	_, err = Parse([]byte(`{"EventType":"FileClosed","EventData":{"RoomId":1}}`))
	assert.True(t, errors.Is(err, ErrMissingPath))

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseFallsBackToPathRoomID(t *testing.T) {
	ev, err := Parse([]byte(`{"EventType":"FileClosed","EventData":{"RelativePath":"x/录制-777-20240501-100000-123-t.flv"}}`))
	require.NoError(t, err)
	assert.Equal(t, "777", ev.Info().RoomID)
}

func TestRoomIDFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{"23058-streamer/录制-23058-20240501-100000-000-evening.flv", "23058", true},
		{"录制-99-20240501-100000-title.flv", "99", true},
		{"rec/5-20240501-235959.flv", "5", true},
		{"12345-name/custom-file-name.flv", "12345", true},
		{`12345-name\custom.flv`, "12345", true},
		{"plain.flv", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := RoomIDFromPath(c.path)
		assert.Equal(t, c.ok, ok, c.path)
		assert.Equal(t, c.want, got, c.path)
	}
}

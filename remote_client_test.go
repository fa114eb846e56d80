package taskdispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRemoteClientDeviceInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/device/info", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "SN1", body["sn"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": StateSuccess,
			"data": map[string]any{"sn": "SN1", "show_name": "rack-7"},
		})
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(server.URL)
	require.NoError(t, err)

	resp := client.DeviceInfo(context.Background(), "SN1")
	require.True(t, resp.OK())
	require.Equal(t, "rack-7", resp.Data.ShowName)
}

func TestRemoteClientNormalizesRemoteFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    StateFail,
			"message": "device offline",
		})
	}))
	defer server.Close()

	client, err := NewHTTPRemoteClient(server.URL)
	require.NoError(t, err)

	resp := client.StopTask(context.Background(), []string{"SN1"}, "t1")
	require.False(t, resp.OK())
	require.Equal(t, "device offline", resp.Reason())
}

func TestRemoteClientNormalizesTransportError(t *testing.T) {
	// Nothing listens here; the transport failure must surface as a plain
	// failure envelope, never as an error the caller has to branch on.
	client, err := NewHTTPRemoteClient("http://127.0.0.1:1")
	require.NoError(t, err)

	resp := client.DeviceInfo(context.Background(), "SN1")
	require.False(t, resp.OK())
	require.Equal(t, 400, resp.Code)
	require.NotEmpty(t, resp.Message)
}

func TestNewHTTPRemoteClientRequiresAddress(t *testing.T) {
	_, err := NewHTTPRemoteClient("   ")
	require.Error(t, err)
}

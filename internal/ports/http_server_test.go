package ports

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bujia-iot/iot-zmqtt/pkg/gateway"
	"github.com/bujia-iot/iot-zmqtt/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status gateway.Status
	reg    *registry.Registry
}

func (f *fakeSource) Status() gateway.Status       { return f.status }
func (f *fakeSource) Registry() *registry.Registry { return f.reg }

func newSource() *fakeSource {
	reg := registry.New(nil)
	reg.RecordIdentity("0000", "00124b0001020304")
	reg.RecordNetworkAddress("0000", "0000")
	reg.MarkCoordinator("0000")
	reg.RecordIdentity("0001", "00124b000a0b0c0d")
	return &fakeSource{
		status: gateway.Status{
			GatewayID:  "b827eb112233",
			Running:    true,
			SerialOpen: true,
			Devices:    2,
		},
		reg: reg,
	}
}

func get(t *testing.T, src StatusSource, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	NewRouter(src).ServeHTTP(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestHealth(t *testing.T) {
	src := newSource()
	w, body := get(t, src, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["message"])

	src.status.SerialOpen = false
	w, body = get(t, src, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["message"])
}

func TestGatewayStatus(t *testing.T) {
	w, body := get(t, newSource(), "/api/v1/gateway/status")
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "b827eb112233", data["gatewayId"])
	assert.Equal(t, float64(2), data["devices"])
}

func TestDeviceList(t *testing.T) {
	w, body := get(t, newSource(), "/api/v1/devices")
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["count"])
	devices := data["devices"].([]interface{})
	require.Len(t, devices, 2)
	first := devices[0].(map[string]interface{})
	assert.Equal(t, "0000", first["nodeId"])
	assert.Equal(t, true, first["isCoordinator"])
}

func TestDeviceLookup(t *testing.T) {
	w, body := get(t, newSource(), "/api/v1/devices/0001")
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "00124b000a0b0c0d", data["macAddress"])

	w, body = get(t, newSource(), "/api/v1/devices/ffff")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(404), body["code"])
}

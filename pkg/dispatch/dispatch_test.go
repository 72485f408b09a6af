package dispatch

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgerun/flotilla/pkg/types"
)

type receivedForm struct {
	fileName    string
	fileBytes   []byte
	contentType string
	info        picInfo
}

// startReceiver runs a fake worker receive endpoint and returns the device
// record pointing at it plus a client bound to its ephemeral port.
func startReceiver(t *testing.T, status int, got *receivedForm) (types.Device, *Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/recv_task", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, header, err := r.FormFile("pic_file")
		require.NoError(t, err)
		defer file.Close()

		got.fileName = header.Filename
		got.contentType = header.Header.Get("Content-Type")
		got.fileBytes, err = io.ReadAll(file)
		require.NoError(t, err)

		require.NoError(t, json.Unmarshal([]byte(r.FormValue("pic_info")), &got.info))
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewClient()
	c.receiverPort = port
	return types.Device{GlobalID: "node-1", IPAddress: host, AgentPort: 8000}, c
}

func TestDispatchSendsMultipartForm(t *testing.T) {
	var got receivedForm
	dev, c := startReceiver(t, http.StatusOK, &got)

	task := types.ImageTask{
		TaskID:   "img01.png",
		ClientIP: "10.0.0.1",
		TaskType: types.TaskTypeYoloV5,
	}
	err := c.Dispatch(dev, task, []byte("payload bytes"))
	require.NoError(t, err)

	assert.Equal(t, "img01.png", got.fileName)
	assert.Equal(t, "application/octet-stream", got.contentType)
	assert.Equal(t, []byte("payload bytes"), got.fileBytes)
	assert.Equal(t, "10.0.0.1", got.info.IP)
	assert.Equal(t, "img01.png", got.info.FileName)
	assert.Equal(t, "YoloV5", got.info.TaskType)
}

func TestDispatchRejectedByWorker(t *testing.T) {
	var got receivedForm
	dev, c := startReceiver(t, http.StatusServiceUnavailable, &got)

	err := c.Dispatch(dev, types.ImageTask{TaskID: "a.png"}, []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestDispatchUnreachableWorker(t *testing.T) {
	c := NewClient()
	c.receiverPort = 1 // nothing listens there
	dev := types.Device{GlobalID: "node-1", IPAddress: "127.0.0.1"}

	err := c.Dispatch(dev, types.ImageTask{TaskID: "a.png"}, []byte("x"))
	assert.Error(t, err)
}

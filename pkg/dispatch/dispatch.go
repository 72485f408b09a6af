package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/edgerun/flotilla/pkg/log"
	"github.com/edgerun/flotilla/pkg/types"
)

const (
	// ReceiverPort is the fixed port of the worker-side task receiver.
	ReceiverPort = 20810

	defaultTimeout = 30 * time.Second
)

// picInfo is the metadata part sent alongside the image payload.
type picInfo struct {
	IP       string `json:"ip"`
	FileName string `json:"file_name"`
	TaskType string `json:"tasktype"`
}

// Client posts task payloads to a worker's receive endpoint.
type Client struct {
	httpClient   *http.Client
	receiverPort int
}

// NewClient creates a dispatch client with a pooled HTTP transport.
func NewClient() *Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = defaultTimeout
	return &Client{httpClient: c, receiverPort: ReceiverPort}
}

// Dispatch ships a task payload to the node's receiver as a multipart form:
// the image bytes under pic_file and a JSON metadata part under pic_info.
func (c *Client) Dispatch(dev types.Device, task types.ImageTask, payload []byte) error {
	info, err := json.Marshal(picInfo{
		IP:       task.ClientIP,
		FileName: task.TaskID,
		TaskType: string(task.TaskType),
	})
	if err != nil {
		return fmt.Errorf("failed to encode task metadata: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fileHdr := make(textproto.MIMEHeader)
	fileHdr.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="pic_file"; filename=%q`, task.TaskID))
	fileHdr.Set("Content-Type", "application/octet-stream")
	filePart, err := w.CreatePart(fileHdr)
	if err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := filePart.Write(payload); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}

	if err := w.WriteField("pic_info", string(info)); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/recv_task", dev.IPAddress, c.receiverPort)
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach worker %s: %w", dev.IPAddress, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker %s rejected task: status %d", dev.IPAddress, resp.StatusCode)
	}

	logger := log.WithTaskID(task.TaskID)
	logger.Debug().
		Str("device_ip", dev.IPAddress).
		Int("payload_bytes", len(payload)).
		Msg("payload delivered")
	return nil
}

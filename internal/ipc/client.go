package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func call[Resp any](c *Client, method string, req any) (*Resp, error) {
	var resp Resp
	if err := c.client.Call(serviceName+"."+method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	return call[StatusResponse](c, "Status", StatusRequest{})
}

// QueueList returns queued entries.
func (c *Client) QueueList() (*QueueListResponse, error) {
	return call[QueueListResponse](c, "QueueList", QueueListRequest{})
}

// QueueAdd enqueues paths under tag.
func (c *Client) QueueAdd(paths []string, tag string) (*QueueAddResponse, error) {
	return call[QueueAddResponse](c, "QueueAdd", QueueAddRequest{Paths: paths, SourceTag: tag})
}

// UploadNow requests an immediate upload cycle.
func (c *Client) UploadNow(force bool) (*UploadNowResponse, error) {
	return call[UploadNowResponse](c, "UploadNow", UploadNowRequest{Force: force})
}

// RetentionRun runs a retention pass and waits for its results.
func (c *Client) RetentionRun(pass string) (*RetentionRunResponse, error) {
	return call[RetentionRunResponse](c, "RetentionRun", RetentionRunRequest{Pass: pass})
}

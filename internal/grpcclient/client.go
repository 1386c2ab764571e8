package grpcclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"avl-svr/internal/pipeline"
)

const DefaultMethod = "/forwarder.Forwarder/SendData"

// Client manda {device_id, payload} al forwarder como google.protobuf.Struct.
// La respuesta trae {success: bool}.
type Client struct {
	conn    *grpc.ClientConn
	method  string
	timeout time.Duration
}

func NewClient(addr, method string, opts ...grpc.DialOption) (*Client, error) {
	if method == "" {
		method = DefaultMethod
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "grpc client %s", addr)
	}
	return &Client{conn: conn, method: method, timeout: 5 * time.Second}, nil
}

func (c *Client) Name() string { return "grpc" }

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) SendData(ctx context.Context, deviceID, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]interface{}{
		"device_id": deviceID,
		"payload":   payload,
	})
	if err != nil {
		return errors.Trace(err)
	}
	res := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, c.method, req, res); err != nil {
		return errors.Annotatef(err, "send data for %s", deviceID)
	}
	if !res.GetFields()["success"].GetBoolValue() {
		return errors.Errorf("forwarder rejected data for %s", deviceID)
	}
	return nil
}

// El forwarder solo entiende tracking; conexión y desconexión no se reenvían.
func (c *Client) DeviceConnected(ctx context.Context, imei, remoteAddr string) error { return nil }

func (c *Client) DeviceDisconnected(ctx context.Context, imei string) error { return nil }

func (c *Client) Forward(ctx context.Context, batch []*pipeline.TrackingObject) error {
	for _, tr := range batch {
		b, err := json.Marshal(tr)
		if err != nil {
			return errors.Trace(err)
		}
		if err := c.SendData(ctx, tr.IMEI, string(b)); err != nil {
			return err
		}
	}
	return nil
}

package traci

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Client TraCI连接
// 说明：每次调用发送一条只含一个命令的消息并读取完整响应，非并发安全
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewClient 在已建立的连接上创建客户端
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn)}
}

// Dial 连接TraCI服务端
// 功能：仿真进程启动后需要一段时间才开始监听，按固定间隔重试直到连接成功
// 参数：addr-服务端地址，retryCount-重试次数，interval-重试间隔
// 返回：客户端；达到最大重试次数或ctx取消时返回错误
func Dial(ctx context.Context, addr string, retryCount int, interval time.Duration) (*Client, error) {
	dialer := net.Dialer{Timeout: interval}
	var lastErr error
	for range retryCount {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if tcp, ok := conn.(*net.TCPConn); ok {
				_ = tcp.SetNoDelay(true)
			}
			return NewClient(conn), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("traci server `%v` did not become ready after %d retries: %w", addr, retryCount, lastErr)
}

// roundTrip 发送一个命令并读取完整的响应消息
// 返回：已消费状态响应的storage
func (c *Client) roundTrip(id byte, content []byte) (*storage, error) {
	if _, err := c.conn.Write(message(command(id, content))); err != nil {
		return nil, err
	}
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(header[:])) - 4
	if n < 0 {
		return nil, fmt.Errorf("%w: message length %d", ErrProtocol, n+4)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	s := newStorage(buf)
	if err := s.status(id); err != nil {
		return nil, err
	}
	return s, nil
}

// Version 查询API版本与服务端标识
func (c *Client) Version() (int32, string, error) {
	s, err := c.roundTrip(cmdGetVersion, nil)
	if err != nil {
		return 0, "", err
	}
	if _, _, err := s.commandHeader(); err != nil {
		return 0, "", err
	}
	api, err := s.int32()
	if err != nil {
		return 0, "", err
	}
	id, err := s.string()
	return api, id, err
}

// SimStep 推进一个仿真步长
func (c *Client) SimStep() error {
	var w writer
	w.double(0)
	_, err := c.roundTrip(cmdSimStep, w.Bytes())
	return err
}

// Close 通知服务端结束仿真并关闭连接
func (c *Client) Close() error {
	_, err := c.roundTrip(cmdClose, nil)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// get 读取变量
// 参数：domain-get命令ID，varID-变量ID，objectID-对象ID（仿真全局变量为空串）
// 返回：带类型解码后的值
func (c *Client) get(domain, varID byte, objectID string) (any, error) {
	s, err := c.query(domain, varID, objectID)
	if err != nil {
		return nil, err
	}
	return s.typed()
}

// query 发送读取命令并校验响应头
// 返回：位于变量值（含类型前缀）起始处的storage
func (c *Client) query(domain, varID byte, objectID string) (*storage, error) {
	var w writer
	w.ubyte(varID)
	w.string(objectID)
	s, err := c.roundTrip(domain, w.Bytes())
	if err != nil {
		return nil, err
	}
	id, _, err := s.commandHeader()
	if err != nil {
		return nil, err
	}
	if id != domain+responseOffset {
		return nil, fmt.Errorf("%w: response 0x%02x to get 0x%02x", ErrProtocol, id, domain)
	}
	v, err := s.ubyte()
	if err != nil {
		return nil, err
	}
	obj, err := s.string()
	if err != nil {
		return nil, err
	}
	if v != varID || obj != objectID {
		return nil, fmt.Errorf("%w: response for 0x%02x/%q, want 0x%02x/%q", ErrProtocol, v, obj, varID, objectID)
	}
	return s, nil
}

// set 写入变量
func (c *Client) set(domain, varID byte, objectID string, value any) error {
	var w writer
	w.ubyte(varID)
	w.string(objectID)
	if err := w.typed(value); err != nil {
		return err
	}
	_, err := c.roundTrip(domain, w.Bytes())
	return err
}

func getAs[T any](c *Client, domain, varID byte, objectID string) (T, error) {
	var zero T
	v, err := c.get(domain, varID, objectID)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: variable 0x%02x of %q is %T, want %T", ErrProtocol, varID, objectID, v, zero)
	}
	return t, nil
}

func (c *Client) getInt(domain, varID byte, objectID string) (int32, error) {
	return getAs[int32](c, domain, varID, objectID)
}

func (c *Client) getDouble(domain, varID byte, objectID string) (float64, error) {
	return getAs[float64](c, domain, varID, objectID)
}

func (c *Client) getString(domain, varID byte, objectID string) (string, error) {
	return getAs[string](c, domain, varID, objectID)
}

func (c *Client) getStringList(domain, varID byte, objectID string) ([]string, error) {
	return getAs[[]string](c, domain, varID, objectID)
}

func (c *Client) getCompound(domain, varID byte, objectID string) ([]any, error) {
	return getAs[[]any](c, domain, varID, objectID)
}

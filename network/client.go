package network

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// DefaultClientTimeout bounds each control-line read of a Client.
const DefaultClientTimeout = 10 * time.Second

// ReplyError is an unexpected or "ERROR ..." line from the server.
type ReplyError struct {
	Line string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server replied %q", e.Line)
}

// Code returns the reason code of an "ERROR <CODE>" reply.
func (e *ReplyError) Code() string {
	return strings.TrimSpace(strings.TrimPrefix(e.Line, "ERROR"))
}

// PromptKind classifies a directive line sent to an idle client.
type PromptKind int

const (
	PromptOther PromptKind = iota
	PromptKindUpload
	PromptKindDownload
	PromptKindResume
)

// Prompt is a directive received while idle.
type Prompt struct {
	Kind   PromptKind
	Offset int64
	Line   string
}

// Client speaks the line protocol from the agent side.
type Client struct {
	conn    *tls.Conn
	codec   *Codec
	Timeout time.Duration
}

// Dial opens a TLS connection to a filehub server.
func Dial(ctx context.Context, address string, tlsConfig *tls.Config) (*Client, error) {
	dialer := &tls.Dialer{Config: tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	tlsConn := conn.(*tls.Conn)
	return &Client{conn: tlsConn, codec: NewCodec(tlsConn), Timeout: DefaultClientTimeout}, nil
}

// DialWithRetry retries Dial with exponential backoff, up to attempts extra
// tries or until ctx ends.
func DialWithRetry(ctx context.Context, address string, tlsConfig *tls.Config, attempts uint64) (*Client, error) {
	var client *Client
	operation := func() error {
		c, err := Dial(ctx, address, tlsConfig)
		if err != nil {
			return err
		}
		client = c
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(newRetryBackOff(), attempts), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return client, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ConnectionState exposes the negotiated TLS state.
func (c *Client) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState()
}

// ReadLine reads one control line with the client timeout.
func (c *Client) ReadLine() (string, error) {
	return c.codec.ReadLine(c.Timeout)
}

// WriteLine writes one control line.
func (c *Client) WriteLine(line string) error {
	return c.codec.WriteLine(line)
}

// Read reads raw payload bytes.
func (c *Client) Read(p []byte) (int, error) {
	if err := c.codec.SetReadTimeout(c.Timeout); err != nil {
		return 0, err
	}
	return c.codec.Read(p)
}

// Write writes raw payload bytes.
func (c *Client) Write(p []byte) (int, error) {
	return c.codec.Write(p)
}

// Login authenticates. A rejected login returns a *ReplyError.
func (c *Client) Login(clientID, password string) error {
	if err := c.WriteLine(fmt.Sprintf("%s %s %s", CmdLogin, clientID, password)); err != nil {
		return err
	}
	return c.expect(ReplyAuthorized)
}

// Ping refreshes the session's liveness.
func (c *Client) Ping() error {
	return c.WriteLine(CmdPing)
}

// NextPrompt waits up to timeout for a directive.
func (c *Client) NextPrompt(timeout time.Duration) (*Prompt, error) {
	line, err := c.codec.ReadLine(timeout)
	if err != nil {
		return nil, err
	}

	prompt := &Prompt{Line: line}
	switch {
	case line == PromptUpload:
		prompt.Kind = PromptKindUpload
	case line == PromptDownload:
		prompt.Kind = PromptKindDownload
	case strings.HasPrefix(line, OffsetPrefix+" "):
		offset, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, OffsetPrefix)), 10, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("%w: bad offset line %q", ErrProtocolViolation, line)
		}
		prompt.Kind = PromptKindResume
		prompt.Offset = offset
	}
	return prompt, nil
}

// Upload answers an upload prompt with name, then streams size bytes of src
// followed by their checksum. It returns the hex digest that was sent.
func (c *Client) Upload(src io.Reader, name string, size int64) (string, error) {
	if err := c.WriteLine(name); err != nil {
		return "", err
	}
	if err := c.expect(ReplyStartUpload); err != nil {
		return "", err
	}
	if err := c.WriteLine(strconv.FormatInt(size, 10)); err != nil {
		return "", err
	}
	if err := c.expect("0"); err != nil {
		return "", err
	}

	hasher := sha256.New()
	if _, err := io.CopyN(io.MultiWriter(c.codec, hasher), src, size); err != nil {
		return "", fmt.Errorf("send payload: %w", err)
	}
	return c.finishUpload(hex.EncodeToString(hasher.Sum(nil)))
}

// Resume answers an OFFSET directive by hashing the first offset bytes of src
// and streaming the rest.
func (c *Client) Resume(src io.ReadSeeker, offset int64) (string, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	hasher := sha256.New()
	if _, err := io.CopyN(hasher, src, offset); err != nil {
		return "", fmt.Errorf("hash sent prefix: %w", err)
	}
	if _, err := io.Copy(io.MultiWriter(c.codec, hasher), src); err != nil {
		return "", fmt.Errorf("send payload: %w", err)
	}
	return c.finishUpload(hex.EncodeToString(hasher.Sum(nil)))
}

func (c *Client) finishUpload(digest string) (string, error) {
	if err := c.WriteLine(ChecksumPrefix + " " + digest); err != nil {
		return "", err
	}
	if err := c.expect(ReplyUploadComplete); err != nil {
		return "", err
	}
	return digest, nil
}

// Download answers a download prompt and copies the file into dst.
func (c *Client) Download(dst io.Writer, savePath string) (string, int64, error) {
	if err := c.WriteLine(savePath); err != nil {
		return "", 0, err
	}
	header, err := c.ReadLine()
	if err != nil {
		return "", 0, err
	}
	sizeText, name, ok := strings.Cut(header, "|")
	if !ok {
		return "", 0, &ReplyError{Line: header}
	}
	size, err := strconv.ParseInt(sizeText, 10, 64)
	if err != nil || size < 0 {
		return "", 0, fmt.Errorf("%w: bad download header %q", ErrProtocolViolation, header)
	}

	if err := c.codec.SetReadTimeout(c.Timeout); err != nil {
		return "", 0, err
	}
	if _, err := io.CopyN(dst, c.codec, size); err != nil {
		return "", 0, fmt.Errorf("receive payload: %w", err)
	}
	if err := c.expect(ReplyDownloadComplete); err != nil {
		return "", 0, err
	}
	return name, size, nil
}

// Decline answers a prompt with "cancel" and returns the server's reply.
func (c *Client) Decline() (string, error) {
	if err := c.WriteLine(TokenCancel); err != nil {
		return "", err
	}
	return c.ReadLine()
}

func (c *Client) expect(want string) error {
	line, err := c.ReadLine()
	if err != nil {
		return err
	}
	if line != want {
		return &ReplyError{Line: line}
	}
	return nil
}

// IsReply reports whether err is a server reply with the given reason code.
func IsReply(err error, code string) bool {
	var reply *ReplyError
	return errors.As(err, &reply) && reply.Code() == code
}

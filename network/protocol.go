package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

const (
	// MaxLineLength bounds one control line, terminator included.
	MaxLineLength = 4096
	// DefaultFilename replaces upload names that reduce to nothing.
	DefaultFilename = "file.bin"
)

// Client-to-server tokens.
const (
	CmdLogin       = "LOGIN"
	CmdPing        = "PING"
	TokenCancel    = "cancel"
	ChecksumPrefix = "CHECKSUM"
)

// Server-to-client lines.
const (
	ReplyAuthorized       = "OK AUTHORIZED"
	ReplyStartUpload      = "OK START_UPLOAD"
	ReplyUploadComplete   = "OK UPLOAD_COMPLETE"
	ReplyUploadCanceled   = "OK UPLOAD_CANCELED"
	ReplyDownloadComplete = "OK DOWNLOAD_COMPLETE"
	ReplyDownloadCanceled = "OK DOWNLOAD_CANCELED"
	ReplyFileNotFound     = "ERROR FILE NOT FOUND ON SERVER"

	PromptUpload   = "Upload request from server. Enter file path (or 'cancel'):"
	PromptDownload = "Download request from server. Enter save path (or 'cancel'):"

	OffsetPrefix = "OFFSET"
)

// Reason codes carried in "ERROR <CODE>" lines.
const (
	CodeUnknownCommand     = "UNKNOWN_COMMAND"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeInvalidSize        = "INVALID_SIZE"
	CodeQuotaExceeded      = "QUOTA_EXCEEDED"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeUploadCanceled     = "UPLOAD_CANCELED"
	CodeStorageFailure     = "STORAGE_FAILURE"
)

var (
	// ErrLineTooLong indicates a control line exceeded MaxLineLength. The
	// offending bytes have been discarded.
	ErrLineTooLong = errors.New("network: control line too long")
	// ErrProtocolViolation indicates a malformed or unexpected token.
	ErrProtocolViolation = errors.New("network: protocol violation")
	// ErrAuthenticationFailed indicates a rejected login.
	ErrAuthenticationFailed = errors.New("network: authentication failed")
)

// ErrorLine formats a single-line error reply.
func ErrorLine(code string) string {
	return "ERROR " + code
}

// OffsetLine formats the resume directive for an interrupted upload.
func OffsetLine(offset int64) string {
	return fmt.Sprintf("%s %d", OffsetPrefix, offset)
}

// Codec reads newline-terminated control lines and raw payload bytes from
// the same buffered stream, so bytes that arrive right after a line are
// never lost between the two modes.
type Codec struct {
	conn    net.Conn
	reader  *bufio.Reader
	partial []byte
}

// NewCodec wraps a connection.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, MaxLineLength),
	}
}

// ReadLine reads one line without its terminator. A timeout of zero blocks
// indefinitely. A partial line survives a timeout and is completed by the
// next call.
func (c *Codec) ReadLine(timeout time.Duration) (string, error) {
	if err := c.SetReadTimeout(timeout); err != nil {
		return "", err
	}

	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(c.partial)+len(chunk) > MaxLineLength {
			c.partial = c.partial[:0]
			if err == nil {
				return "", ErrLineTooLong
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				c.discardLine()
				return "", ErrLineTooLong
			}
			return "", err
		}
		c.partial = append(c.partial, chunk...)
		if err == nil {
			line := strings.TrimRight(string(c.partial), "\r\n")
			c.partial = c.partial[:0]
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", err
	}
}

// ConsumeToken reports whether the next line is exactly token, compared
// case-insensitively, and consumes that line if so. Otherwise nothing is
// consumed, so raw payload bytes stay in the stream.
func (c *Codec) ConsumeToken(token string, timeout time.Duration) (bool, error) {
	if err := c.SetReadTimeout(timeout); err != nil {
		return false, err
	}
	n := len(token)
	head, err := c.reader.Peek(n + 1)
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(string(head[:n]), token) {
		return false, nil
	}
	switch head[n] {
	case '\n':
		_, err = c.reader.Discard(n + 1)
		return err == nil, err
	case '\r':
		head, err = c.reader.Peek(n + 2)
		if err != nil {
			return false, err
		}
		if head[n+1] != '\n' {
			return false, nil
		}
		_, err = c.reader.Discard(n + 2)
		return err == nil, err
	}
	return false, nil
}

// discardLine drops bytes up to the next newline, or until the buffered data
// runs out.
func (c *Codec) discardLine() {
	for c.reader.Buffered() > 0 {
		b, err := c.reader.ReadByte()
		if err != nil || b == '\n' {
			return
		}
	}
}

// WriteLine writes one line followed by "\n".
func (c *Codec) WriteLine(line string) error {
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// Read reads raw payload bytes, draining buffered data first.
func (c *Codec) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write writes raw payload bytes.
func (c *Codec) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// SetReadTimeout arms a read deadline; zero clears it.
func (c *Codec) SetReadTimeout(timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set read deadline: %w", err)
	}
	return nil
}

// SetWriteTimeout arms a write deadline; zero clears it.
func (c *Codec) SetWriteTimeout(timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return nil
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SafeFilename reduces a client-supplied path to its base name. Both '/' and
// '\' count as separators, since clients may run on any platform.
func SafeFilename(raw string) string {
	name := strings.TrimSpace(raw)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return DefaultFilename
	}
	return name
}

// ParseChecksumLine accepts "CHECKSUM <hex>" or a bare hex digest and returns
// the lowercase digest.
func ParseChecksumLine(line string) string {
	fields := strings.Fields(line)
	switch {
	case len(fields) == 2 && strings.EqualFold(fields[0], ChecksumPrefix):
		return strings.ToLower(fields[1])
	case len(fields) == 1:
		return strings.ToLower(fields[0])
	default:
		return ""
	}
}

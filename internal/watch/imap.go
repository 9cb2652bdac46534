package watch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"golang.org/x/oauth2"

	"github.com/eslider/triggerd/internal/model"
)

// fetchBatchSize bounds UID set length per command to respect server
// command-size limits.
const fetchBatchSize = 50

const readTimeout = 120 * time.Second

// errNoIdle reports a server that rejected the IDLE command; callers
// fall back to polling.
var errNoIdle = fmt.Errorf("server does not support IDLE")

// imapSession is a lightweight IMAP client for watch-only operations:
// unseen search, subject fetch, flag writes, and IDLE. Uses UID
// commands (stable across sessions) and proper literal parsing. Not
// safe for concurrent use; the watcher serializes access.
type imapSession struct {
	conn        net.Conn
	buf         []byte // read buffer
	tag         int
	uidValidity uint32
	onExists    func() // unsolicited EXISTS seen mid-command
}

// dialIMAP connects, authenticates, and opens INBOX for one email
// trigger. With OAuth config present it authenticates via XOAUTH2,
// otherwise plain LOGIN.
func dialIMAP(ctx context.Context, cfg *model.EmailTriggerConfig, onExists func()) (*imapSession, error) {
	addr := net.JoinHostPort(cfg.IMAPHost, fmt.Sprintf("%d", cfg.Port()))

	var conn net.Conn
	var err error
	if cfg.TLS() {
		d := tls.Dialer{Config: &tls.Config{ServerName: cfg.IMAPHost}}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		d := net.Dialer{Timeout: 30 * time.Second}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	c := &imapSession{conn: conn, buf: make([]byte, 0, 8192), onExists: onExists}
	// Read server greeting.
	if _, err := c.readLine(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("imap greeting: %w", err)
	}

	if cfg.OAuth != nil {
		err = c.authenticateXOAUTH2(ctx, cfg.IMAPUser, cfg.OAuth)
	} else {
		_, err = c.command(`LOGIN "%s" "%s"`, cfg.IMAPUser, cfg.IMAPPassword)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}

	if err := c.selectInbox(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("imap select: %w", err)
	}
	return c, nil
}

func (c *imapSession) command(format string, args ...any) ([]string, error) {
	c.tag++
	tag := fmt.Sprintf("A%04d", c.tag)
	cmd := fmt.Sprintf("%s %s\r\n", tag, fmt.Sprintf(format, args...))
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			return lines, err
		}
		if strings.HasPrefix(line, tag+" ") {
			if strings.Contains(line, "OK") {
				return lines, nil
			}
			return lines, fmt.Errorf("IMAP error: %s", line)
		}
		c.noteUnsolicited(line)
		lines = append(lines, line)
	}
}

// noteUnsolicited watches untagged responses for EXISTS, the server's
// new-message notification, which may arrive inside any command's
// response stream.
func (c *imapSession) noteUnsolicited(line string) {
	if c.onExists != nil && strings.HasPrefix(line, "* ") && strings.HasSuffix(line, " EXISTS") {
		c.onExists()
	}
}

// readLine reads one CRLF-terminated line using a buffered approach.
func (c *imapSession) readLine() (string, error) {
	for {
		// Check if buffer already contains a full line.
		if idx := bytes.IndexByte(c.buf, '\n'); idx >= 0 {
			line := string(c.buf[:idx])
			c.buf = c.buf[idx+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		// Read more data into buffer.
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		tmp := make([]byte, 8192)
		n, err := c.conn.Read(tmp)
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
		}
		if err != nil {
			// Return what we have if buffer is non-empty.
			if len(c.buf) > 0 {
				line := string(c.buf)
				c.buf = c.buf[:0]
				return strings.TrimRight(line, "\r\n"), err
			}
			return "", err
		}
	}
}

// readExact reads exactly n bytes from the connection (for IMAP literals).
func (c *imapSession) readExact(n int) ([]byte, error) {
	for len(c.buf) < n {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		tmp := make([]byte, 8192)
		nr, err := c.conn.Read(tmp)
		if nr > 0 {
			c.buf = append(c.buf, tmp[:nr]...)
		}
		if err != nil {
			return nil, err
		}
	}
	data := make([]byte, n)
	copy(data, c.buf[:n])
	c.buf = c.buf[n:]
	return data, nil
}

func (c *imapSession) authenticateXOAUTH2(ctx context.Context, user string, auth *model.IMAPAuth) error {
	tokenURL := auth.TokenURL
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	conf := oauth2.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: auth.RefreshToken}).Token()
	if err != nil {
		return fmt.Errorf("oauth token: %w", err)
	}

	sasl := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", user, tok.AccessToken)
	c.tag++
	tag := fmt.Sprintf("A%04d", c.tag)
	cmd := fmt.Sprintf("%s AUTHENTICATE XOAUTH2 %s\r\n", tag,
		base64.StdEncoding.EncodeToString([]byte(sasl)))
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return err
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "+ ") || line == "+" {
			// Server sent an error challenge; an empty response aborts
			// and yields the tagged NO.
			if _, err := c.conn.Write([]byte("\r\n")); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, tag+" ") {
			if strings.Contains(line, "OK") {
				return nil
			}
			return fmt.Errorf("IMAP error: %s", line)
		}
	}
}

// selectInbox opens INBOX and records its UIDVALIDITY, which scopes
// the persistent processed-UID state.
func (c *imapSession) selectInbox() error {
	lines, err := c.command(`SELECT "INBOX"`)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if idx := strings.Index(line, "[UIDVALIDITY "); idx >= 0 {
			fmt.Sscanf(line[idx+len("[UIDVALIDITY "):], "%d", &c.uidValidity)
		}
	}
	return nil
}

// UIDValidity returns the selected mailbox's UIDVALIDITY value.
func (c *imapSession) UIDValidity() uint32 {
	return c.uidValidity
}

// SearchUnseen lists UIDs of all unseen messages in ascending order.
func (c *imapSession) SearchUnseen() ([]uint32, error) {
	lines, err := c.command("UID SEARCH UNSEEN")
	if err != nil {
		return nil, err
	}
	var uids []uint32
	for _, line := range lines {
		if !strings.HasPrefix(line, "* SEARCH") {
			continue
		}
		for _, s := range strings.Fields(line)[2:] {
			var uid uint32
			if _, err := fmt.Sscanf(s, "%d", &uid); err == nil {
				uids = append(uids, uid)
			}
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchSubjects retrieves decoded Subject headers for the UID set,
// fetching in bounded batches. UIDs absent from the result had no
// parseable subject.
func (c *imapSession) FetchSubjects(uids []uint32) (map[uint32]string, error) {
	result := make(map[uint32]string, len(uids))
	for i := 0; i < len(uids); i += fetchBatchSize {
		end := i + fetchBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		if err := c.fetchSubjectBatch(uids[i:end], result); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *imapSession) fetchSubjectBatch(uids []uint32, result map[uint32]string) error {
	if len(uids) == 0 {
		return nil
	}

	c.tag++
	tag := fmt.Sprintf("A%04d", c.tag)
	cmd := fmt.Sprintf("%s UID FETCH %s (BODY.PEEK[HEADER.FIELDS (SUBJECT)])\r\n", tag, uidSet(uids))
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return err
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return fmt.Errorf("fetch subjects: %w", err)
		}

		// Tag line = end of response.
		if strings.HasPrefix(line, tag+" ") {
			if strings.Contains(line, "OK") {
				return nil
			}
			return fmt.Errorf("IMAP fetch error: %s", line)
		}

		if !strings.Contains(line, "{") {
			c.noteUnsolicited(line)
			continue
		}

		// Format: * <seq> FETCH (UID <uid> BODY[HEADER.FIELDS (SUBJECT)] {<size>}
		msgUID := uint32(0)
		if idx := strings.Index(strings.ToUpper(line), "UID "); idx >= 0 {
			fmt.Sscanf(line[idx+4:], "%d", &msgUID)
		}

		braceStart := strings.LastIndex(line, "{")
		braceEnd := strings.LastIndex(line, "}")
		if braceStart < 0 || braceEnd <= braceStart {
			continue
		}
		var size int
		if _, err := fmt.Sscanf(line[braceStart:braceEnd+1], "{%d}", &size); err != nil || size < 0 {
			continue
		}

		raw, err := c.readExact(size)
		if err != nil {
			return fmt.Errorf("fetch literal UID %d: %w", msgUID, err)
		}

		// Trailing line after the literal, e.g. ")" or " UID 123)".
		trailing, err := c.readLine()
		if err != nil {
			return fmt.Errorf("fetch trailing: %w", err)
		}
		if msgUID == 0 {
			if idx := strings.Index(strings.ToUpper(trailing), "UID "); idx >= 0 {
				fmt.Sscanf(trailing[idx+4:], "%d", &msgUID)
			}
		}

		if msgUID > 0 {
			if subj, ok := decodeSubject(raw); ok {
				result[msgUID] = subj
			}
		}
	}
}

// decodeSubject extracts the decoded Subject from a fetched header
// block, handling RFC 2047 encoded words and non-UTF-8 charsets.
func decodeSubject(raw []byte) (string, bool) {
	hdr := strings.TrimRight(string(raw), "\r\n") + "\r\n\r\n"
	entity, err := message.Read(strings.NewReader(hdr))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", false
	}
	subj, err := entity.Header.Text("Subject")
	if err != nil {
		// Fall back to the raw header value rather than dropping the
		// message; substring matching may still work.
		subj = entity.Header.Get("Subject")
	}
	subj = strings.TrimSpace(subj)
	return subj, subj != ""
}

// MarkSeen adds the \Seen flag to the UID set in one command. Callers
// batch to fetchBatchSize.
func (c *imapSession) MarkSeen(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	_, err := c.command(`UID STORE %s +FLAGS.SILENT (\Seen)`, uidSet(uids))
	return err
}

// Wait blocks in IDLE until the server announces new mail, the timeout
// passes, or the connection fails. Returns true when a scan is due.
// Servers without IDLE get errNoIdle so the caller can poll instead.
func (c *imapSession) Wait(timeout time.Duration) (bool, error) {
	c.tag++
	tag := fmt.Sprintf("A%04d", c.tag)
	if _, err := c.conn.Write([]byte(tag + " IDLE\r\n")); err != nil {
		return false, err
	}

	// Expect the idling continuation; a tagged BAD/NO means no IDLE.
	line, err := c.readLine()
	if err != nil {
		return false, err
	}
	if strings.HasPrefix(line, tag+" ") {
		return false, errNoIdle
	}
	if !strings.HasPrefix(line, "+") {
		// Unsolicited response raced the continuation.
		c.noteUnsolicited(line)
	}

	deadline := time.Now().Add(timeout)
	newMail := false
	for !newMail && time.Now().Before(deadline) {
		c.conn.SetReadDeadline(time.Now().Add(time.Until(deadline)))
		line, err := c.idleReadLine()
		if err != nil {
			if isTimeout(err) {
				break
			}
			return false, err
		}
		if strings.HasPrefix(line, "* ") && strings.HasSuffix(line, " EXISTS") {
			newMail = true
		}
	}

	// Leave IDLE and wait for the tagged completion.
	if _, err := c.conn.Write([]byte("DONE\r\n")); err != nil {
		return false, err
	}
	for {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		line, err := c.idleReadLine()
		if err != nil {
			return false, err
		}
		if strings.HasPrefix(line, tag+" ") {
			if strings.Contains(line, "OK") {
				return newMail, nil
			}
			return false, fmt.Errorf("IMAP error: %s", line)
		}
		if strings.HasPrefix(line, "* ") && strings.HasSuffix(line, " EXISTS") {
			newMail = true
		}
	}
}

// idleReadLine is readLine without the default deadline refresh: IDLE
// manages its own deadlines so a timeout means "re-issue IDLE", not a
// broken connection.
func (c *imapSession) idleReadLine() (string, error) {
	for {
		if idx := bytes.IndexByte(c.buf, '\n'); idx >= 0 {
			line := string(c.buf[:idx])
			c.buf = c.buf[idx+1:]
			return strings.TrimRight(line, "\r"), nil
		}
		tmp := make([]byte, 8192)
		n, err := c.conn.Read(tmp)
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
		}
		if err != nil {
			return "", err
		}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Close logs out and drops the connection.
func (c *imapSession) Close() error {
	c.command("LOGOUT")
	return c.conn.Close()
}

func uidSet(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, uid := range uids {
		parts[i] = fmt.Sprintf("%d", uid)
	}
	return strings.Join(parts, ",")
}

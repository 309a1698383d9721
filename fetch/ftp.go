package fetch

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/voidlinux/xbpsgo/xbpserr"
)

// ftpReplyReader reads RFC 959 multi-line replies off a control
// connection, checking the leading three-digit code against an allowed
// set.
type ftpReplyReader struct {
	r *bufio.Reader
}

func newFTPReplyReader(conn net.Conn) *ftpReplyReader {
	return &ftpReplyReader{r: bufio.NewReader(conn)}
}

func (f *ftpReplyReader) expect(codes ...int) (string, error) {
	var last string
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			return "", xbpserr.Wrap(xbpserr.IO, err, "reading FTP reply")
		}
		last = strings.TrimRight(line, "\r\n")
		if len(last) < 4 {
			continue
		}
		code, err := strconv.Atoi(last[:3])
		if err != nil {
			continue
		}
		// "code-" continuation marks a multi-line reply; keep reading
		// until the matching "code " terminator line.
		if last[3] == '-' {
			continue
		}
		for _, want := range codes {
			if code == want {
				return last, nil
			}
		}
		return "", xbpserr.New(xbpserr.IO, "unexpected FTP reply: %s", last)
	}
}

func ftpCmd(conn net.Conn, r *ftpReplyReader, cmd string, codes ...int) error {
	if _, err := fmt.Fprintf(conn, "%s\r\n", cmd); err != nil {
		return xbpserr.Wrap(xbpserr.IO, err, "sending %s", cmd)
	}
	_, err := r.expect(codes...)
	return err
}

// parsePASV extracts the host:port pair from a "227 Entering Passive
// Mode (h1,h2,h3,h4,p1,p2)" reply.
func parsePASV(line string) (string, int, error) {
	start := strings.IndexByte(line, '(')
	end := strings.IndexByte(line, ')')
	if start < 0 || end < 0 || end < start {
		return "", 0, fmt.Errorf("no address tuple in %q", line)
	}
	parts := strings.Split(line[start+1:end], ",")
	if len(parts) != 6 {
		return "", 0, fmt.Errorf("expected 6 octets, got %d", len(parts))
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("bad octet %q: %w", p, err)
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	port := nums[4]*256 + nums[5]
	return host, port, nil
}

package persistence

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Command names written to the log by the memory engine.
const (
	CmdVertex     = "VERTEX" // VERTEX <json entity>
	CmdVertexProp = "VPROP"  // VPROP <id> <key> <json value>
	CmdEdge       = "EDGE"   // EDGE <json edge>
	CmdCloseEdge  = "ECLOSE" // ECLOSE <id> <to>
)

// Command is one logged mutation. Arguments are binary safe.
type Command struct {
	Name string
	Args [][]byte
}

// NewCommand builds a command from string arguments.
func NewCommand(name string, args ...string) Command {
	c := Command{Name: name, Args: make([][]byte, len(args))}
	for i, a := range args {
		c.Args[i] = []byte(a)
	}
	return c
}

// Arg returns argument i as a string, or "" when out of range.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) || c.Args[i] == nil {
		return ""
	}
	return string(c.Args[i])
}

// FormatCommand encodes c as a RESP array of bulk strings. Nil arguments are
// written as RESP null bulk strings.
func FormatCommand(c Command) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "*%d\r\n", 1+len(c.Args))
	fmt.Fprintf(&b, "$%d\r\n%s\r\n", len(c.Name), c.Name)
	for _, arg := range c.Args {
		if arg == nil {
			b.WriteString("$-1\r\n")
			continue
		}
		fmt.Fprintf(&b, "$%d\r\n", len(arg))
		b.Write(arg)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

// ParseCommand decodes one RESP array produced by FormatCommand.
func ParseCommand(r *bufio.Reader) (Command, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Command{}, err
	}
	line = strings.TrimSpace(line)
	if len(line) == 0 || line[0] != '*' {
		return Command{}, fmt.Errorf("invalid command format, expected '*'")
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n <= 0 {
		return Command{}, fmt.Errorf("invalid number of arguments")
	}

	parts := make([][]byte, n)
	for i := 0; i < n; i++ {
		line, err = r.ReadString('\n')
		if err != nil {
			return Command{}, err
		}
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] != '$' {
			return Command{}, fmt.Errorf("invalid argument format, expected '$'")
		}
		size, err := strconv.Atoi(line[1:])
		if err != nil || size < -1 {
			return Command{}, fmt.Errorf("invalid argument length")
		}
		if size == -1 {
			continue
		}
		data := make([]byte, size+2)
		if _, err := io.ReadFull(r, data); err != nil {
			return Command{}, err
		}
		parts[i] = data[:size]
	}
	if parts[0] == nil {
		return Command{}, fmt.Errorf("missing command name")
	}
	return Command{Name: strings.ToUpper(string(parts[0])), Args: parts[1:]}, nil
}

// DecodeCommand parses a single command from a frame payload.
func DecodeCommand(payload []byte) (Command, error) {
	return ParseCommand(bufio.NewReader(bytes.NewReader(payload)))
}

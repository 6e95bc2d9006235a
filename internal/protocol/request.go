package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrBadArguments   = errors.New("protocol: bad arguments")
)

// Request is one command on a query session. The set of implementations
// is closed: GetData, Status, Clear and Exit.
type Request interface {
	// Line renders the request as it travels on the wire.
	Line() string
	request()
}

// GetData reads readings with From <= index (0 when nil) and, when To is
// set, index <= To.
type GetData struct {
	From *int64
	To   *int64
}

type Status struct{}

type Clear struct{}

type Exit struct{}

func (GetData) request() {}
func (Status) request()  {}
func (Clear) request()   {}
func (Exit) request()    {}

func (g GetData) Line() string {
	parts := []string{"get-data"}
	if g.From != nil {
		parts = append(parts, strconv.FormatInt(*g.From, 10))
		if g.To != nil {
			parts = append(parts, strconv.FormatInt(*g.To, 10))
		}
	}
	return strings.Join(parts, " ")
}

func (Status) Line() string { return "status" }
func (Clear) Line() string  { return "clear" }
func (Exit) Line() string   { return "exit" }

// ParseRequest decodes a command line. Commands are case-insensitive and
// arguments are separated by runs of whitespace.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrUnknownCommand)
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "get-data":
		if len(args) > 2 {
			return nil, fmt.Errorf("%w: get-data takes at most 2 arguments, got %d", ErrBadArguments, len(args))
		}
		var req GetData
		if len(args) >= 1 {
			from, err := parseIndex(args[0])
			if err != nil {
				return nil, err
			}
			req.From = &from
		}
		if len(args) == 2 {
			to, err := parseIndex(args[1])
			if err != nil {
				return nil, err
			}
			req.To = &to
		}
		return req, nil
	case "status", "clear", "exit":
		if len(args) != 0 {
			return nil, fmt.Errorf("%w: %s takes no arguments", ErrBadArguments, cmd)
		}
		switch cmd {
		case "status":
			return Status{}, nil
		case "clear":
			return Clear{}, nil
		default:
			return Exit{}, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func parseIndex(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", ErrBadArguments, s)
	}
	return n, nil
}

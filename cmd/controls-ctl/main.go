package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// ============================================================================
// controls-ctl - Command-line IPC Client
// ============================================================================
// Sends requests to the controls-host daemon over its Unix socket.
//
// Usage:
//   controls-ctl status
//   controls-ctl volume
//   controls-ctl set-volume 0.5
//   controls-ctl key Return
//   controls-ctl type "hello"
//
// Options:
//   --socket PATH    Unix domain socket path (default: /tmp/controls-host.sock)
// ============================================================================

const defaultSocketPath = "/tmp/controls-host.sock"

// Request is one IPC request line.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var socketPath string

	flagSet := pflag.NewFlagSet("controls-ctl", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", defaultSocketPath, "Unix domain socket path")
	flagSet.SetInterspersed(false)
	flagSet.Usage = printUsage

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printUsage()
		return errors.New("missing command")
	}
	if args[0] == "help" {
		printUsage()
		return nil
	}

	requests, err := buildRequests(args)
	if err != nil {
		return err
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	for _, req := range requests {
		resp, err := roundTrip(conn, decoder, req)
		if err != nil {
			return err
		}
		if len(resp.Data) > 0 {
			fmt.Println(string(resp.Data))
		}
	}

	fmt.Println("ok")
	return nil
}

func roundTrip(conn net.Conn, decoder *json.Decoder, req Request) (IPCResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var response IPCResponse
	if err := decoder.Decode(&response); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if response.Status == "error" {
		return response, fmt.Errorf("daemon error: %s", response.Error)
	}
	return response, nil
}

// buildRequests turns a command line into the requests to send.
func buildRequests(args []string) ([]Request, error) {
	switch args[0] {
	case "status":
		return []Request{{Type: "status"}}, nil

	case "volume", "get-volume":
		return []Request{{Type: "get_volume"}}, nil

	case "set-volume", "set":
		if len(args) < 2 {
			return nil, errors.New("set-volume requires a fraction between 0 and 1")
		}
		frac, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fraction: %w", err)
		}
		return single(map[string]any{"Volume": map[string]float64{"Frac": frac}})

	case "set-db":
		if len(args) < 2 {
			return nil, errors.New("set-db requires a dB value")
		}
		db, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid dB value: %w", err)
		}
		return single(map[string]any{"Volume": map[string]float64{"Log": db}})

	case "key":
		if len(args) < 2 {
			return nil, errors.New("key requires a key name")
		}
		return single(keyClick(args[1]))

	case "type":
		if len(args) < 2 {
			return nil, errors.New("type requires text")
		}
		text := strings.Join(args[1:], " ")
		var reqs []Request
		for _, r := range text {
			req, err := eventRequest(keyboardClick(map[string]string{"Layout": string(r)}))
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		return reqs, nil

	case "click":
		button := "Left"
		if len(args) >= 2 {
			button = args[1]
		}
		return single(map[string]any{"Mouse": map[string]any{"Button": map[string]any{
			"action": clickAction(),
			"button": button,
		}}})

	case "move":
		if len(args) < 3 {
			return nil, errors.New("move requires x and y")
		}
		x, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid x: %w", err)
		}
		y, err := strconv.ParseInt(args[2], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid y: %w", err)
		}
		origin := "Rel"
		if len(args) >= 4 && args[3] == "abs" {
			origin = "Abs"
		}
		return single(map[string]any{"Mouse": map[string]any{"Move": map[string]any{
			"origin": origin, "x": x, "y": y,
		}}})

	case "scroll":
		if len(args) < 2 {
			return nil, errors.New("scroll requires a length")
		}
		n, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid length: %w", err)
		}
		dir := "Ver"
		if len(args) >= 3 && args[2] == "hor" {
			dir = "Hor"
		}
		return single(map[string]any{"Mouse": map[string]any{"Scroll": map[string]any{
			"dir": dir, "len": n,
		}}})

	case "next":
		return single(keyClick("MediaNext"))
	case "prev":
		return single(keyClick("MediaPrev"))
	case "pause", "play":
		return single(keyClick("MediaPlay"))

	case "raw":
		if len(args) < 2 {
			return nil, errors.New("raw requires an InputEvent JSON document")
		}
		raw := json.RawMessage(args[1])
		if !json.Valid(raw) {
			return nil, errors.New("raw: invalid JSON")
		}
		return []Request{{Type: "event", Data: raw}}, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func clickAction() map[string]any {
	return map[string]any{"Click": map[string]int{"secs": 0, "nanos": 0}}
}

func keyboardClick(key any) map[string]any {
	return map[string]any{"Keyboard": map[string]any{"action": clickAction(), "key": key}}
}

// keyClick clicks a named key; a single character is sent as a layout key.
func keyClick(name string) map[string]any {
	if len([]rune(name)) == 1 {
		return keyboardClick(map[string]string{"Layout": name})
	}
	return keyboardClick(name)
}

func eventRequest(ev any) (Request, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Request{}, fmt.Errorf("marshal event: %w", err)
	}
	return Request{Type: "event", Data: data}, nil
}

func single(ev any) ([]Request, error) {
	req, err := eventRequest(ev)
	if err != nil {
		return nil, err
	}
	return []Request{req}, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `controls-ctl - Control the controls-host daemon via IPC

Usage:
  controls-ctl [options] <command> [args]

Options:
  --socket PATH    Unix domain socket path (default: %s)

Commands:
  status                   Show session state and counters
  volume                   Show current volume
  set-volume, set <frac>   Set volume as a fraction of the range (0..1)
  set-db <dB>              Set volume in dB
  key <name>               Click a key (e.g. Return, F5, a)
  type <text>              Type text through the US layout
  click [button]           Click a mouse button (default Left)
  move <x> <y> [abs]       Move the pointer (relative unless abs)
  scroll <n> [hor]         Scroll n notches (vertical unless hor)
  next, prev, pause        Media keys
  raw <json>               Send a raw InputEvent document
  help                     Show this help message

Examples:
  controls-ctl set-volume 0.25
  controls-ctl type "Hello, world"
  controls-ctl --socket /run/controls-host.sock status
`, defaultSocketPath)
}

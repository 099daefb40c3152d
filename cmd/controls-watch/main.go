package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

// controls-watch follows the controls-host state stream (/ws on the metrics
// listener) and prints one line per event.

type envelope struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type snapshot struct {
	Identity string `json:"identity"`
	Session  struct {
		State    string `json:"state"`
		Address  string `json:"address"`
		Sessions uint64 `json:"sessions"`
		Commands uint64 `json:"commands"`
	} `json:"session"`
	Volume *struct {
		DB       float64 `json:"db"`
		Fraction float64 `json:"fraction"`
	} `json:"volume"`
}

func main() {
	var (
		wsURL = pflag.String("url", "ws://127.0.0.1:9102/ws", "controls-host state stream URL")
		raw   = pflag.Bool("raw", false, "print messages as received")
	)
	pflag.Parse()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.Dial(*wsURL, nil)
	if err != nil {
		log.Fatalf("failed to connect to %s: %v", *wsURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("stream error: %v", err)
				}
				return
			}
			if *raw {
				fmt.Println(string(msg))
				continue
			}
			if err := printMessage(os.Stdout, msg); err != nil {
				log.Printf("bad message: %v", err)
			}
		}
	}()

	select {
	case <-sigc:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("stream closed")
	}
}

// printMessage renders one stream message as a single line.
func printMessage(w io.Writer, msg []byte) error {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	ts := env.Ts.Local().Format("15:04:05.000")

	switch env.Type {
	case "state_init":
		var s snapshot
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return err
		}
		vol := "unknown"
		if s.Volume != nil {
			vol = fmt.Sprintf("%.2f dB (%.0f%%)", s.Volume.DB, s.Volume.Fraction*100)
		}
		_, err := fmt.Fprintf(w, "%s [INIT] %s state=%s server=%s sessions=%d commands=%d volume=%s\n",
			ts, s.Identity, s.Session.State, s.Session.Address, s.Session.Sessions, s.Session.Commands, vol)
		return err

	case "session_state":
		var s struct {
			State   string `json:"state"`
			Address string `json:"address"`
		}
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s [SESSION] %s %s\n", ts, s.State, s.Address)
		return err

	case "volume_changed":
		var v struct {
			DB float64 `json:"db"`
		}
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s [VOLUME] %.2f dB\n", ts, v.DB)
		return err

	case "":
		return errors.New("message without type")

	default:
		_, err := fmt.Fprintf(w, "%s [%s] %s\n", ts, env.Type, env.Data)
		return err
	}
}

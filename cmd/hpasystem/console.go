package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chaz8081/hpasystem/internal/ble"
)

// command is one parsed console line.
type command struct {
	name   string // list, connect, disconnect, send, status, help, quit
	target string
	values []float64
}

const helpText = `commands:
  list               show discovered peripherals
  connect <n|id>     connect by list number or peripheral ID
  disconnect         drop the active connection
  send <a> <b> ...   send values to the connected peripheral
  status             show radio and session state
  quit               exit`

var errEmptyCommand = errors.New("empty command")

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errEmptyCommand
	}

	name := strings.ToLower(fields[0])
	args := fields[1:]
	switch name {
	case "list", "ls", "disconnect", "status", "help":
		if len(args) != 0 {
			return command{}, fmt.Errorf("%s takes no arguments", name)
		}
		if name == "ls" {
			name = "list"
		}
		return command{name: name}, nil

	case "quit", "exit":
		return command{name: "quit"}, nil

	case "connect":
		if len(args) != 1 {
			return command{}, errors.New("usage: connect <n|id>")
		}
		return command{name: name, target: args[0]}, nil

	case "send":
		if len(args) == 0 {
			return command{}, errors.New("usage: send <a> <b> ...")
		}
		values := make([]float64, 0, len(args))
		for _, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return command{}, fmt.Errorf("invalid value %q", a)
			}
			values = append(values, v)
		}
		return command{name: name, values: values}, nil

	default:
		return command{}, fmt.Errorf("unknown command %q (try help)", name)
	}
}

// resolveTarget maps a list number (1-based) or an ID to a peripheral ID.
func resolveTarget(s ble.Snapshot, target string) (string, error) {
	if n, err := strconv.Atoi(target); err == nil {
		if n < 1 || n > len(s.Peripherals) {
			return "", fmt.Errorf("no peripheral #%d (%d discovered)", n, len(s.Peripherals))
		}
		return s.Peripherals[n-1].ID, nil
	}
	if _, ok := s.Find(target); !ok {
		return "", fmt.Errorf("%w: %s", ble.ErrUnknownPeripheral, target)
	}
	return target, nil
}

func formatList(s ble.Snapshot) string {
	if len(s.Peripherals) == 0 {
		return "no peripherals discovered yet"
	}
	var b strings.Builder
	for i, p := range s.Peripherals {
		marker := " "
		if p.ID == s.ActiveID {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %2d. %-20s %-18s %s", marker, i+1, p.Name, p.Status, p.ID)
		if i < len(s.Peripherals)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func formatStatus(s ble.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "radio: %s  scanning: %t  peripherals: %d\n", s.Radio, s.Scanning, len(s.Peripherals))
	if p, ok := s.Active(); ok {
		fmt.Fprintf(&b, "active: %s (%s) %s\n", p.Name, p.ID, p.Status)
		if p.SelectedCharacteristic != "" {
			fmt.Fprintf(&b, "characteristic: %s\n", p.SelectedCharacteristic)
		}
	} else {
		b.WriteString("active: none\n")
	}
	if s.Summary != "" {
		fmt.Fprintf(&b, "last: %s\n", s.Summary)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", s.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}

// changes describes what differs between two consecutive snapshots, one
// line per user-visible change.
func changes(prev, next ble.Snapshot) []string {
	var out []string
	if prev.Radio != next.Radio {
		out = append(out, fmt.Sprintf("radio %s", next.Radio))
	}
	if prev.Scanning != next.Scanning {
		if next.Scanning {
			out = append(out, "scanning")
		} else {
			out = append(out, "scan stopped")
		}
	}
	for i, p := range next.Peripherals {
		old, seen := prev.Find(p.ID)
		switch {
		case !seen:
			out = append(out, fmt.Sprintf("found #%d %s (%s)", i+1, p.Name, p.ID))
		case old.Status != p.Status:
			out = append(out, fmt.Sprintf("%s %s", p.Name, p.Status))
		}
	}
	if next.Summary != "" && next.Summary != prev.Summary {
		out = append(out, next.Summary)
	}
	if next.Err != nil && (prev.Err == nil || prev.Err.Error() != next.Err.Error()) {
		out = append(out, fmt.Sprintf("error: %v", next.Err))
	}
	return out
}

package serialmux

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// NewRealOpener returns a PortOpener backed by a real serial port at the given
// path using the provided serial options.
func NewRealOpener(path string, opts PortOptions) (PortOpener, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("serial port path is required")
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return func() (SerialPorter, error) {
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, err
		}
		return port, nil
	}, nil
}

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at
// the given path.
func NewRealSerialMux(path string, opts PortOptions, linkOpts LinkOptions) (*SerialMux, error) {
	opener, err := NewRealOpener(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(NewLink(opener, linkOpts)), nil
}

// portKeywords mark USB-serial bridges commonly found on MCU boards.
var portKeywords = []string{
	"arduino", "ch340", "wch", "cp210", "silicon labs", "ftdi",
	"usb serial", "usb-serial", "acm", "serial",
}

// PortCandidate is a detected serial port and the score used to rank it.
type PortCandidate struct {
	Name    string `json:"name"`
	Product string `json:"product,omitempty"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	IsUSB   bool   `json:"is_usb"`
	Score   int    `json:"score"`
}

// listPorts is swapped out by tests.
var listPorts = enumerator.GetDetailedPortsList

// scorePort ranks a port by how much it looks like an MCU board.
func scorePort(c PortCandidate, goos string) int {
	score := 0
	text := strings.ToLower(strings.Join([]string{c.Name, c.Product, c.VID, c.PID}, " "))
	for _, k := range portKeywords {
		if strings.Contains(text, k) {
			score += 10
			break
		}
	}
	if c.IsUSB {
		score += 2
	}
	if goos == "linux" {
		if strings.HasPrefix(c.Name, "/dev/ttyACM") {
			score += 5
		}
		if strings.HasPrefix(c.Name, "/dev/ttyUSB") {
			score += 3
		}
	}
	return score
}

// DetectPorts enumerates the serial ports on this host, best candidate first.
func DetectPorts() ([]PortCandidate, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	candidates := make([]PortCandidate, 0, len(ports))
	for _, p := range ports {
		c := PortCandidate{
			Name:    p.Name,
			Product: p.Product,
			VID:     p.VID,
			PID:     p.PID,
			IsUSB:   p.IsUSB,
		}
		c.Score = scorePort(c, runtime.GOOS)
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates, nil
}

// FindPort returns the most likely actuator controller port.
func FindPort() (string, error) {
	candidates, err := DetectPorts()
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", errors.New("no serial ports found: check the cable, drivers and permissions")
	}
	for _, c := range candidates {
		logf("serial port found: name=%s product=%q vid=%s pid=%s usb=%t score=%d",
			c.Name, c.Product, c.VID, c.PID, c.IsUSB, c.Score)
	}
	return candidates[0].Name, nil
}

package rpmbridge

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type ActionKind int

const (
	ActionSelectGame ActionKind = iota + 1
	ActionSetPort
	ActionReload
	ActionStatus
	ActionQuit
)

// Action is a request from the user interface to the running bridge.
type Action struct {
	Kind ActionKind
	Game Game
	Port int
}

var ErrUnknownAction = errors.New("unknown command")

// ParseAction reads a console command such as "game forza" or "port 9999".
func ParseAction(line string) (Action, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Action{}, errors.Wrap(ErrUnknownAction, "empty")
	}
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "game", "g":
		if len(args) != 1 {
			return Action{}, errors.New("usage: game <dirt-rally-2|forza-horizon-5>")
		}
		g, err := ParseGame(args[0])
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionSelectGame, Game: g}, nil
	case "port", "p":
		if len(args) != 1 {
			return Action{}, errors.New("usage: port <1-65535>")
		}
		port, err := ParsePort(args[0])
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionSetPort, Port: port}, nil
	case "reload":
		return Action{Kind: ActionReload}, nil
	case "status", "s":
		return Action{Kind: ActionStatus}, nil
	case "quit", "exit", "q":
		return Action{Kind: ActionQuit}, nil
	}
	return Action{}, errors.Wrapf(ErrUnknownAction, "%q", fields[0])
}

func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, errors.Errorf("port %d out of range", port)
	}
	return port, nil
}

// Apply performs the configuration part of an action on s and reports
// whether it changed. Reload, status and quit are left to the caller.
func (a Action) Apply(s Settings) (Settings, bool) {
	next := s
	switch a.Kind {
	case ActionSelectGame:
		next = s.WithGame(a.Game)
	case ActionSetPort:
		next.Port = a.Port
	}
	return next, next != s
}

// ReadActions parses one command per line from r until r is exhausted or
// ctx is cancelled. Lines that do not parse are logged and skipped.
func ReadActions(ctx context.Context, r io.Reader, actions chan<- Action) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a, err := ParseAction(line)
		if err != nil {
			log.WithField("err", err).Warn("commands: game <name>, port <n>, reload, status, quit")
			continue
		}
		select {
		case actions <- a:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Wrap(scanner.Err(), "unable to read commands")
}

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fzft/go-conmgr/deps/linenoise"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
)

const historyFileDefault = ".conmgr_cli_history"

var addr = flag.String("addr", "127.0.0.1:8080", "server address")
var timeout = flag.Duration("timeout", 5*time.Second, "reply timeout")

func main() {
	flag.Parse()

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		err = repl(conn)
	} else {
		err = pipe(conn, os.Stdin)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// repl reads lines interactively until EOF or Ctrl-C.
func repl(conn net.Conn) error {
	line := linenoise.New()
	defer line.Close()

	history := historyPath()
	_ = line.HistoryLoad(history)
	defer func() { _ = line.HistorySave(history) }()

	r := bufio.NewReader(conn)
	prompt := *addr + "> "
	for {
		input, err := line.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)

		reply, err := roundTrip(conn, r, input)
		if err != nil {
			return err
		}
		fmt.Print(reply)
	}
}

// pipe sends every stdin line and prints the replies.
func pipe(conn net.Conn, in io.Reader) error {
	r := bufio.NewReader(conn)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		reply, err := roundTrip(conn, r, scanner.Text())
		if err != nil {
			return err
		}
		fmt.Print(reply)
	}
	return scanner.Err()
}

func roundTrip(conn net.Conn, r *bufio.Reader, input string) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(*timeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte(input + "\n")); err != nil {
		return "", err
	}
	return r.ReadString('\n')
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFileDefault
	}
	return filepath.Join(home, historyFileDefault)
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

const consoleHelp = "commands: quit, reload, flush, stats, help"

/*
OnSTDin runs one operator command against s
and writes the reply to out.
*/
func OnSTDin(s *Server, command string, out io.Writer) {
	switch strings.TrimSpace(command) {
	case "":
	case "quit":
		OnQuit()
	case "reload":
		if err := s.Reloader.Reload(); err != nil {
			fmt.Fprintf(out, "reload failed: %s\n", err)
			return
		}
		fmt.Fprintf(out, "reload: %s\n", s.Reloader.LastOutcome())
	case "flush":
		n := s.Cache.Len()
		s.Cache.Flush()
		fmt.Fprintf(out, "dropped %d cache entries\n", n)
	case "stats":
		st := s.Cache.Stats()
		fmt.Fprintf(out, "cache: %d entries, %d bytes, %d hits, %d misses, %d computes, %d evictions\n",
			st.Entries, st.Bytes, st.Hits, st.Misses, st.Computes, st.Evictions)
		if snap := s.TLS.Current(); snap != nil {
			fmt.Fprintf(out, "certificate: %s, not after %s\n", snap.Leaf.Subject, snap.Leaf.NotAfter)
		}
		if s.Search != nil {
			if n, err := s.Search.Count(); err == nil {
				fmt.Fprintf(out, "search: %d pages\n", n)
			}
		}
	case "help":
		fmt.Fprintln(out, consoleHelp)
	default:
		fmt.Fprintf(out, "unknown command %q (%s)\n", command, consoleHelp)
	}
}

func ScanlnLoop(s *Server) {
	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		OnSTDin(s, stdin.Text(), os.Stdout)
	}
	if err := stdin.Err(); err != nil {
		logger.Warn("scanln error", zap.Error(err))
	}
}

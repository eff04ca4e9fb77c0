// Command voicebridgectl is the operator CLI for a running voicebridge
// server: it talks to the loopback control-plane JSON API (internal/controlapi)
// over HTTP. Built with spf13/cobra, the verb/flag shape agentcall's go.mod
// pulls cobra in for.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var controlAddr string

func main() {
	root := &cobra.Command{
		Use:   "voicebridgectl",
		Short: "Operate a running voicebridge server",
	}
	root.PersistentFlags().StringVar(&controlAddr, "addr", "http://127.0.0.1:3334", "control API base URL")

	root.AddCommand(
		newCallCmd(),
		newContinueCmd(),
		newSpeakCmd(),
		newEndCmd(),
		newStatusCmd(),
		newTailCmd(),
		newExposeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCallCmd() *cobra.Command {
	var message, sessionKey, objective, language string
	cmd := &cobra.Command{
		Use:   "call <to>",
		Short: "Initiate an outbound call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, "/api/v1/calls", map[string]any{
				"to":         args[0],
				"message":    message,
				"sessionKey": sessionKey,
				"objective":  objective,
				"language":   language,
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "call prompt, stored in the call's metadata (not spoken automatically)")
	cmd.Flags().StringVar(&sessionKey, "session-key", "", "correlation key for the outcome pipeline")
	cmd.Flags().StringVar(&objective, "objective", "", "call objective")
	cmd.Flags().StringVar(&language, "language", "", "conversation language")
	return cmd
}

func newContinueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "continue <callId> <message>",
		Short: "Speak another message and append it to the transcript",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, "/api/v1/calls/"+args[0]+"/continue", map[string]any{"message": args[1]})
		},
	}
	return cmd
}

func newSpeakCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "speak <callId> <message>",
		Short: "Speak without advancing the conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, "/api/v1/calls/"+args[0]+"/speak", map[string]any{"message": args[1]})
		},
	}
	return cmd
}

func newEndCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "end <callId>",
		Short: "Hang up a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON(cmd, "/api/v1/calls/"+args[0]+"/end", nil)
		},
	}
	return cmd
}

func newStatusCmd() *cobra.Command {
	var callID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print server status, or one call's record with --call",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/status"
			if callID != "" {
				path = "/api/v1/calls/" + callID
			}
			return getJSON(cmd, path)
		},
	}
	cmd.Flags().StringVar(&callID, "call", "", "print this call's record instead of server status")
	return cmd
}

// tailPollInterval matches the history log's on-disk append cadence closely
// enough that `tail` feels live without busy-polling the file.
const tailPollInterval = 500 * time.Millisecond

func newTailCmd() *cobra.Command {
	var historyPath string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the JSONL call history log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return tailFile(cmd, historyPath)
		},
	}
	cmd.Flags().StringVar(&historyPath, "file", "data/voicebridge-history.jsonl", "history log path")
	return cmd
}

// tailFile polls for appended lines, tolerating a truncated trailing line
// left by a crash mid-write (matching history.ReadAll's tolerant parsing).
func tailFile(cmd *cobra.Command, path string) error {
	var offset int64
	for {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				time.Sleep(tailPollInterval)
				continue
			}
			return err
		}

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return err
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var consumed int64
		for scanner.Scan() {
			line := scanner.Bytes()
			consumed += int64(len(line)) + 1
			if len(line) == 0 {
				continue
			}
			if !json.Valid(line) {
				continue // truncated line: skipped, as ReadAll does
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(line))
		}
		offset += consumed
		f.Close()

		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(tailPollInterval):
		}
	}
}

// newExposeCmd implements §5's "expose" verb: print the currently resolved
// public URL, which of the explicit/tunnel/LAN/local branches produced it,
// and (when a tunnel is active) the tunnel's provider name.
func newExposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expose",
		Short: "Print the server's currently resolved public URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(controlAddr + "/api/v1/status")
			if err != nil {
				return fmt.Errorf("voicebridgectl: %w", err)
			}
			defer resp.Body.Close()

			var status struct {
				PublicURL       string `json:"publicUrl"`
				PublicURLSource string `json:"publicUrlSource"`
				TunnelProvider  string `json:"tunnelProvider"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("voicebridgectl: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)", status.PublicURL, status.PublicURLSource)
			if status.PublicURLSource == "tunnel" && status.TunnelProvider != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " via %s", status.TunnelProvider)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	return cmd
}

func getJSON(cmd *cobra.Command, path string) error {
	resp, err := http.Get(controlAddr + path)
	if err != nil {
		return fmt.Errorf("voicebridgectl: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func postJSON(cmd *cobra.Command, path string, body map[string]any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(controlAddr+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("voicebridgectl: %w", err)
	}
	defer resp.Body.Close()
	return printResponse(cmd, resp)
}

func printResponse(cmd *cobra.Command, resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("voicebridgectl: server returned %s", resp.Status)
	}
	return nil
}

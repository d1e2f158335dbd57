package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidahmann/sovereignty/internal/api"
	"github.com/davidahmann/sovereignty/pkg/types"
)

func newEvaluateCmd() *cobra.Command {
	var addr, token, capability string
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "evaluate <proposal.json>",
		Short: "Submit a proposal to sovereignd and print the recorded decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// #nosec G304 -- path is operator-provided.
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fail(1, err.Error())
			}
			if _, err := types.DecodeProposal(raw); err != nil {
				return fail(1, err.Error())
			}
			payload, err := json.Marshal(api.ProposalRequest{Proposal: raw, CapabilityTokenID: capability})
			if err != nil {
				return fail(1, err.Error())
			}

			body, status, err := httpDo(http.DefaultClient, http.MethodPost, strings.TrimRight(addr, "/")+"/v1/proposals", token, bytes.NewReader(payload))
			if err != nil {
				return fail(1, err.Error())
			}
			if status != http.StatusOK {
				return fail(1, fmt.Sprintf("evaluate failed: %s", strings.TrimSpace(string(body))))
			}
			if jsonOut {
				_, _ = cmd.OutOrStdout().Write(body)
				return nil
			}
			var entry types.AuditEntry
			if err := json.Unmarshal(body, &entry); err != nil {
				return fail(1, fmt.Sprintf("invalid response: %v", err))
			}
			d := entry.Decision
			fmt.Fprintf(cmd.OutOrStdout(), "verdict=%s reason=%s stage=%s seq=%d entry_hash=%s\n", d.Verdict, d.Reason, d.Stage, entry.Seq, entry.EntryHash)
			if !d.Allowed() {
				return fail(3, "")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("SOVEREIGN_ADDR", defaultAddr), "sovereignd address")
	cmd.Flags().StringVar(&token, "token", envOrDefault("SOVEREIGN_TOKEN", os.Getenv("SOVEREIGN_DEV_TOKEN")), "bearer token")
	cmd.Flags().StringVar(&capability, "capability-token", "", "capability token id, overrides the proposal's token_ref")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the raw entry")
	return cmd
}

func httpDo(client *http.Client, method, url, token string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return out, resp.StatusCode, nil
}

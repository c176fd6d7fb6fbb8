package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mediaqueue: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mediaqueue",
		Short: "Client for the upload queue daemon",
		Long: `mediaqueue talks to the upload daemon over HTTP: enqueue a media file,
inspect an owner's queue, cancel or retry individual uploads, and stream
progress events.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://localhost:8080", "Daemon base URL")
	cmd.AddCommand(
		newEnqueueCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newRetryCmd(),
		newWatchCmd(),
		newLogoutCmd(),
	)
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var owner string
	var metadata string
	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Queue a media file for upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			pr, pw := io.Pipe()
			mw := multipart.NewWriter(pw)
			go func() {
				defer pw.Close()
				defer mw.Close()
				if err := mw.WriteField("owner", owner); err != nil {
					pw.CloseWithError(err)
					return
				}
				if metadata != "" {
					if err := mw.WriteField("metadata", metadata); err != nil {
						pw.CloseWithError(err)
						return
					}
				}
				part, err := mw.CreateFormFile("file", filepath.Base(args[0]))
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				if _, err := io.Copy(part, f); err != nil {
					pw.CloseWithError(err)
				}
			}()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverAddr+"/uploads", pr)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())
			return doRequest(req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner id the upload belongs to")
	cmd.Flags().StringVarP(&metadata, "metadata", "m", "", "Opaque JSON metadata forwarded to the finalize call")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List an owner's queued uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				serverAddr+"/uploads?owner="+url.QueryEscape(owner), nil)
			if err != nil {
				return err
			}
			return doRequest(req, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner id")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postTaskAction(cmd.Context(), args[0], "cancel", owner, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner id")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Retry a failed upload (resets the attempt counter)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postTaskAction(cmd.Context(), args[0], "retry", owner, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner id")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream progress events for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				serverAddr+"/uploads/events?owner="+url.QueryEscape(owner), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", resp.Status)
			}
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if strings.HasPrefix(line, "data: ") {
					fmt.Fprintln(cmd.OutOrStdout(), strings.TrimPrefix(line, "data: "))
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", "", "Owner id")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout <owner-id>",
		Short: "Tear down an idle owner queue and clear its persisted state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete,
				serverAddr+"/owners/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return doRequest(req, cmd.OutOrStdout())
		},
	}
	return cmd
}

func postTaskAction(ctx context.Context, taskID, action, owner string, out io.Writer) error {
	u := fmt.Sprintf("%s/uploads/%s/%s?owner=%s", serverAddr, url.PathEscape(taskID), action, url.QueryEscape(owner))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	return doRequest(req, out)
}

func doRequest(req *http.Request, out io.Writer) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if len(body) > 0 {
		fmt.Fprint(out, string(body))
	}
	return nil
}

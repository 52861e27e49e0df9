package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

type opts struct {
	baseURL string
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "orderctl",
		Short: "Operator CLI for the Order Supervisor service",
	}
	root.PersistentFlags().StringVar(&o.baseURL, "url", "http://localhost:8080", "base URL of the orderd daemon")

	root.AddCommand(newAllocateCmd(&o), newUploadCmd(&o))

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newAllocateCmd(o *opts) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate a new order for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]int64{"user_id": userID})
			resp, err := http.Post(o.baseURL+"/orders", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("allocating order: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				b, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("allocate order: server returned %s: %s", resp.Status, b)
			}
			var out struct {
				OrderID int64 `json:"order_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			fmt.Println(out.OrderID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "owning account's user ID")
	return cmd
}

func newUploadCmd(o *opts) *cobra.Command {
	var orderID int64
	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "Upload files to an order and start its build",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var buf bytes.Buffer
			mw := multipart.NewWriter(&buf)
			for _, path := range args {
				if err := addFilePart(mw, path); err != nil {
					return fmt.Errorf("adding %s: %w", path, err)
				}
			}
			if err := mw.Close(); err != nil {
				return fmt.Errorf("closing multipart writer: %w", err)
			}

			url := fmt.Sprintf("%s/orders/%d/files", o.baseURL, orderID)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, &buf)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", mw.FormDataContentType())

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("uploading files: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				b, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("upload files: server returned %s: %s", resp.Status, b)
			}
			fmt.Printf("uploaded %d file(s) to order %d\n", len(args), orderID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&orderID, "order-id", 0, "order to upload files to")
	return cmd
}

func addFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

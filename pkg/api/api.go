// Package api is the thin HTTP/WebSocket layer that exercises the core's
// outward contracts: allocate an order, upload its files, and stream its
// live status and logs. It carries none of the domain logic itself — that
// all lives in pkg/manager and pkg/supervisor.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/orderforge/ordersvc/pkg/supervisor"
)

// Manager is the subset of pkg/manager.Manager the API depends on.
type Manager interface {
	AllocateOrder(ctx context.Context, userID int64) (int64, error)
	UploadFiles(orderID int64, fileList []string, uploadedFiles int, uploadedMB float64)
	QueryLiveStatus(orderID int64) *supervisor.Handle
	OrderDir(orderID int64) string
}

// Server wires the Manager's commands to HTTP and WebSocket endpoints.
type Server struct {
	mgr      Manager
	upgrader websocket.Upgrader
}

// NewServer builds a Server over mgr.
func NewServer(mgr Manager) *Server {
	return &Server{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gorilla/mux router exposing every endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/orders", s.handleAllocateOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}/files", s.handleUploadFiles).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}/status", s.handleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}/stdout", s.handleLogStream("make-stdout.txt")).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}/stderr", s.handleLogStream("make-stderr.txt")).Methods(http.MethodGet)
	return r
}

type allocateOrderRequest struct {
	UserID int64 `json:"user_id"`
}

type allocateOrderResponse struct {
	OrderID int64 `json:"order_id"`
}

func (s *Server) handleAllocateOrder(w http.ResponseWriter, r *http.Request) {
	var req allocateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	orderID, err := s.mgr.AllocateOrder(r.Context(), req.UserID)
	if err != nil {
		slog.Error("allocate order failed", "user_id", req.UserID, "err", err)
		http.Error(w, "could not allocate order", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, allocateOrderResponse{OrderID: orderID})
}

// handleUploadFiles writes every part of a multipart upload into a
// per-request staging directory first, then renames each file into the
// order's working directory — a rename is atomic on the same filesystem,
// so a reader tailing the order directory never observes a partially
// written upload.
func (s *Server) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "invalid multipart upload", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	orderDir := s.mgr.OrderDir(orderID)
	staging := filepath.Join(orderDir, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		http.Error(w, "could not prepare upload", http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(staging)

	var uploadedBytes int64
	var fileList []string
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			n, err := stageUploadedFile(staging, fh)
			if err != nil {
				slog.Error("staging uploaded file failed", "order_id", orderID, "filename", fh.Filename, "err", err)
				http.Error(w, "upload failed", http.StatusInternalServerError)
				return
			}
			uploadedBytes += n
			fileList = append(fileList, filepath.Base(fh.Filename))
		}
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	for _, e := range entries {
		if err := os.Rename(filepath.Join(staging, e.Name()), filepath.Join(orderDir, e.Name())); err != nil {
			slog.Error("placing uploaded file failed", "order_id", orderID, "name", e.Name(), "err", err)
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}
	}

	uploadedMB := float64(uploadedBytes) / 1e6
	s.mgr.UploadFiles(orderID, fileList, len(fileList), uploadedMB)
	w.WriteHeader(http.StatusAccepted)
}

func stageUploadedFile(stagingDir string, fh *multipart.FileHeader) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(stagingDir, filepath.Base(fh.Filename)))
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	return io.Copy(dst, src)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	orderID, err := orderIDFromPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	handle := s.mgr.QueryLiveStatus(orderID)
	if handle == nil {
		http.Error(w, "order not live", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "order_id", orderID, "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readInboundStopCommands(ctx, conn, handle)

	streamStatus(ctx, conn, handle)
}

type stopCommand struct {
	Stop bool `json:"stop"`
}

// readInboundStopCommands is the only reader of the socket; a {"stop":true}
// frame raises the Live Handle's stop flag.
func readInboundStopCommands(ctx context.Context, conn *websocket.Conn, handle *supervisor.Handle) {
	for {
		var cmd stopCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		if cmd.Stop {
			handle.Stop.Raise()
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) handleLogStream(fileName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := orderIDFromPath(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		path := filepath.Join(s.mgr.OrderDir(orderID), fileName)
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "order_id", orderID, "err", err)
			return
		}
		defer conn.Close()

		tailFile(r.Context(), conn, path)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func orderIDFromPath(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid order id %q", raw)
	}
	return id, nil
}

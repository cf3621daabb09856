package coedit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

// HTTP surface of the coordination engine. All bodies are json. Transport
// types stop here; handlers build a RequestContext and call into the
// engine.

type Server struct {
	pipeline    *Pipeline
	sync        *SyncService
	persistence *PersistenceCoordinator
	registry    *SessionRegistry
	connections *ConnectionHandler
}

func NewServer(
	pipeline *Pipeline,
	sync *SyncService,
	persistence *PersistenceCoordinator,
	registry *SessionRegistry,
	connections *ConnectionHandler,
) *Server {
	return &Server{
		pipeline:    pipeline,
		sync:        sync,
		persistence: persistence,
		registry:    registry,
		connections: connections,
	}
}

func (self *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(accessLog)

	router.Methods(http.MethodPost).Path("/api/collab/ImportFile").HandlerFunc(self.importFile)
	router.Methods(http.MethodPost).Path("/api/collab/UpdateAction").HandlerFunc(self.updateAction)
	router.Methods(http.MethodPost).Path("/api/collab/GetActionsFromServer").HandlerFunc(self.getActionsFromServer)
	router.Methods(http.MethodPost).Path("/api/collab/ShouldSave").HandlerFunc(self.shouldSave)
	router.Methods(http.MethodPost).Path("/api/collab/SaveDocument").HandlerFunc(self.saveDocument)
	if self.connections != nil {
		router.Path("/ws").HandlerFunc(self.connections.Handle)
	}
	return router
}

type statusWriter struct {
	inner      http.ResponseWriter
	statusCode int
}

func (self *statusWriter) Header() http.Header {
	return self.inner.Header()
}

func (self *statusWriter) Write(data []byte) (int, error) {
	if self.statusCode == 0 {
		self.statusCode = http.StatusOK
	}
	return self.inner.Write(data)
}

func (self *statusWriter) WriteHeader(statusCode int) {
	self.statusCode = statusCode
	self.inner.WriteHeader(statusCode)
}

// lets the websocket upgrade take over the connection behind the access log
func (self *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := self.inner.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		recording := &statusWriter{inner: writer}
		next.ServeHTTP(recording, request)
		glog.V(1).Infof("[server]%s %s %d\n", request.Method, request.URL.Path, recording.statusCode)
	})
}

func writeJson(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		glog.Infof("[server]cannot encode response: %v\n", err)
	}
}

func readJson(writer http.ResponseWriter, request *http.Request, body any) bool {
	if err := json.NewDecoder(request.Body).Decode(body); err != nil {
		http.Error(writer, fmt.Sprintf("cannot parse request: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

type importFileArgs struct {
	FileId string `json:"fileId"`
}

func (self *Server) importFile(writer http.ResponseWriter, request *http.Request) {
	args := &importFileArgs{}
	if !readJson(writer, request, args) {
		return
	}
	if args.FileId == "" {
		http.Error(writer, "fileId is required", http.StatusBadRequest)
		return
	}

	result, err := self.sync.Import(request.Context(), args.FileId)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			http.Error(writer, fmt.Sprintf("unknown fileId %s", args.FileId), http.StatusNotFound)
			return
		}
		glog.Infof("[server]import of %s failed: %v\n", args.FileId, err)
		http.Error(writer, "import failed", http.StatusInternalServerError)
		return
	}
	writeJson(writer, http.StatusOK, result)
}

func (self *Server) updateAction(writer http.ResponseWriter, request *http.Request) {
	op := &Operation{}
	if !readJson(writer, request, op) {
		return
	}
	if op.FileId == "" {
		http.Error(writer, "fileId is required", http.StatusBadRequest)
		return
	}

	requestContext := &RequestContext{
		UserName:   UserNameForRequest(request, op.UserName),
		SessionId:  op.ConnectionId,
		DocumentId: op.FileId,
	}

	committed, err := self.pipeline.Submit(request.Context(), requestContext, op.Version, op)
	if err != nil {
		staleErr := &StaleClientError{}
		if errors.As(err, &staleErr) {
			http.Error(writer, fmt.Sprintf("RESYNC_REQUIRED: %s", staleErr.Error()), http.StatusConflict)
			return
		}
		glog.Infof("[server]submit to %s failed: %v\n", op.FileId, err)
		http.Error(writer, "update failed", http.StatusInternalServerError)
		return
	}
	writeJson(writer, http.StatusOK, committed)
}

type getActionsArgs struct {
	FileId  string `json:"fileId"`
	Version int64  `json:"version"`
}

func (self *Server) getActionsFromServer(writer http.ResponseWriter, request *http.Request) {
	args := &getActionsArgs{}
	if !readJson(writer, request, args) {
		return
	}

	result, err := self.sync.GetSince(request.Context(), args.FileId, args.Version)
	if err != nil {
		glog.Infof("[server]get actions for %s failed: %v\n", args.FileId, err)
		http.Error(writer, "cannot read operations", http.StatusInternalServerError)
		return
	}
	writeJson(writer, http.StatusOK, result)
}

type shouldSaveArgs struct {
	FileId               string `json:"fileId"`
	LatestAppliedVersion int64  `json:"latestAppliedVersion"`
	UserName             string `json:"currentUser,omitempty"`
}

type shouldSaveResult struct {
	ShouldSave              bool  `json:"shouldSave"`
	CurrentPersistedVersion int64 `json:"currentPersistedVersion"`
}

func (self *Server) shouldSave(writer http.ResponseWriter, request *http.Request) {
	args := &shouldSaveArgs{}
	if !readJson(writer, request, args) {
		return
	}

	requestContext := &RequestContext{
		UserName:   UserNameForRequest(request, args.UserName),
		DocumentId: args.FileId,
	}
	shouldSave, persisted, err := self.persistence.ShouldSave(request.Context(), requestContext, args.LatestAppliedVersion)
	if err != nil {
		glog.Infof("[server]should-save for %s failed: %v\n", args.FileId, err)
		http.Error(writer, "cannot read persisted version", http.StatusInternalServerError)
		return
	}
	writeJson(writer, http.StatusOK, &shouldSaveResult{
		ShouldSave:              shouldSave,
		CurrentPersistedVersion: persisted,
	})
}

type saveDocumentArgs struct {
	FileId               string          `json:"fileId"`
	Sfdt                 json.RawMessage `json:"sfdt"`
	LatestAppliedVersion int64           `json:"latestAppliedVersion"`
	UserName             string          `json:"currentUser,omitempty"`
}

type saveDocumentResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Skipped bool   `json:"skipped,omitempty"`
}

func (self *Server) saveDocument(writer http.ResponseWriter, request *http.Request) {
	args := &saveDocumentArgs{}
	if !readJson(writer, request, args) {
		return
	}

	requestContext := &RequestContext{
		UserName:   UserNameForRequest(request, args.UserName),
		DocumentId: args.FileId,
	}
	skipped, err := self.persistence.Save(request.Context(), requestContext, args.Sfdt, args.LatestAppliedVersion)
	if err != nil {
		glog.Infof("[server]save of %s failed: %v\n", args.FileId, err)
		saveErr := &SaveFailedError{}
		if errors.As(err, &saveErr) {
			http.Error(writer, saveErr.Error(), http.StatusInternalServerError)
		} else {
			http.Error(writer, fmt.Sprintf("Failed to save document: %v", err), http.StatusInternalServerError)
		}
		return
	}

	result := &saveDocumentResult{
		Success: true,
		Skipped: skipped,
	}
	if skipped {
		result.Message = "already persisted"
	} else {
		result.Message = fmt.Sprintf("persisted at version %d", args.LatestAppliedVersion)
	}
	writeJson(writer, http.StatusOK, result)
}

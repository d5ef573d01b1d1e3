package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kebairia/mongokeeper/internal/artifact"
	"github.com/kebairia/mongokeeper/internal/audit"
	"github.com/kebairia/mongokeeper/internal/operations"
	"github.com/kebairia/mongokeeper/internal/store"
)

const maxBodyBytes = 1 << 20

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type backupRequest struct {
	DatabaseName string `json:"databaseName"`
}

type restoreBackupRequest struct {
	BackupName   string `json:"backupName"`
	DatabaseName string `json:"databaseName"`
}

type snapshotRequest struct {
	DatabaseName   string `json:"databaseName"`
	CollectionName string `json:"collectionName"`
	SnapshotName   string `json:"snapshotName"`
}

type restoreSnapshotRequest struct {
	SnapshotName   string `json:"snapshotName"`
	DatabaseName   string `json:"databaseName"`
	CollectionName string `json:"collectionName"`
}

type cloneRequest struct {
	SourceDatabase string `json:"sourceDatabase"`
	TargetDatabase string `json:"targetDatabase"`
}

type seedRequest struct {
	DatabaseName   string `json:"databaseName"`
	CollectionName string `json:"collectionName"`
	Count          int    `json:"count"`
	DataType       string `json:"dataType"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", operations.ErrInvalidArgument, err)
	}
	return nil
}

func required(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", operations.ErrInvalidArgument, field)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) cronBackup(w http.ResponseWriter, r *http.Request) {
	db := r.URL.Query().Get("database")
	if err := required("database", db); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.ops.CronBackup(r.Context(), db)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, response{Success: true, Message: "cron backup created", Data: res})
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.ops.ListDatabases(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: dbs})
}

func (s *Server) databaseStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ops.DatabaseStatus(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: st})
}

func (s *Server) cloneDatabase(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.ops.CloneDatabase(r.Context(), req.SourceDatabase, req.TargetDatabase)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{
		Success: true,
		Message: fmt.Sprintf("database %s cloned into %s", req.SourceDatabase, req.TargetDatabase),
		Data:    report,
	})
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	colls, err := s.ops.ListCollections(r.Context(), r.URL.Query().Get("database"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: colls})
}

func (s *Server) seedDummyData(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.ops.SeedDummyData(r.Context(), req.DatabaseName, req.CollectionName, req.DataType, req.Count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, response{
		Success: true,
		Message: fmt.Sprintf("%d documents inserted", n),
		Data:    map[string]int{"insertedCount": n},
	})
}

func (s *Server) createBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("databaseName", req.DatabaseName); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.ops.CreateBackup(r.Context(), req.DatabaseName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, response{Success: true, Message: "backup created", Data: res})
}

func (s *Server) listBackups(w http.ResponseWriter, r *http.Request) {
	list, err := s.ops.ListBackups(r.Context(), r.URL.Query().Get("database"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: list})
}

func (s *Server) restoreBackup(w http.ResponseWriter, r *http.Request) {
	var req restoreBackupRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("backupName", req.BackupName); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.ops.RestoreBackup(r.Context(), req.BackupName, req.DatabaseName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "backup restored", Data: report})
}

func (s *Server) deleteBackup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ops.DeleteBackup(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "backup " + name + " deleted"})
}

func (s *Server) exportBackup(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, artifact.KindBackup)
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("databaseName", req.DatabaseName); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("collectionName", req.CollectionName); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.ops.CreateSnapshot(r.Context(), req.DatabaseName, req.CollectionName, req.SnapshotName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, response{Success: true, Message: "snapshot created", Data: res})
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.ops.ListSnapshots(r.Context(), q.Get("database"), q.Get("collection"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.Entry{}
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: entries})
}

func (s *Server) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var req restoreSnapshotRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := required("snapshotName", req.SnapshotName); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.ops.RestoreSnapshot(r.Context(), req.SnapshotName, req.DatabaseName, req.CollectionName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "snapshot restored", Data: report})
}

func (s *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ops.DeleteSnapshot(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Message: "snapshot " + name + " deleted"})
}

func (s *Server) exportSnapshot(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, artifact.KindSnapshot)
}

// export streams the archive. Errors before the first byte are reported
// as JSON; later ones can only abort the stream.
func (s *Server) export(w http.ResponseWriter, r *http.Request, kind artifact.Kind) {
	name := chi.URLParam(r, "name")
	st := s.ops.Backups()
	if kind == artifact.KindSnapshot {
		st = s.ops.Snapshots()
	}
	if _, err := st.Path(name); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %s", operations.ErrArtifactNotFound, name))
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+store.ArchiveExtension))
	if err := s.ops.ExportArchive(r.Context(), kind, name, w); err != nil {
		s.log.Error("archive export failed", "kind", string(kind), "name", name, "error", err.Error())
	}
}

func (s *Server) storageUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.ops.StorageUsage(r.Context(), chi.URLParam(r, "kind"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: u})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.ops.History(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	body := map[string]any{"success": true, "history": page}
	if r.URL.Query().Get("stats") == "true" {
		stats, err := s.ops.HistoryStats(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		body["stats"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, response{Success: true, Data: []any{}})
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true, Data: s.sched.Jobs()})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Search:     q.Get("search"),
		Endpoint:   q.Get("endpoint"),
		ActionType: audit.ActionType(q.Get("actionType")),
		Status:     audit.Status(q.Get("status")),
		SortBy:     q.Get("sortBy"),
		Descending: q.Get("sortOrder") != "asc",
	}
	var err error
	if f.Start, err = audit.ParseDateBound(q.Get("startDate"), false); err != nil {
		return f, err
	}
	if f.End, err = audit.ParseDateBound(q.Get("endDate"), true); err != nil {
		return f, err
	}
	for key, dst := range map[string]*int{"page": &f.Page, "limit": &f.Limit} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, fmt.Errorf("%w: %s must be a number", audit.ErrInvalidFilter, key)
		}
		*dst = n
	}
	return f, nil
}

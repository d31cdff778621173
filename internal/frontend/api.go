package frontend

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshbridge/internal/entity"
	"meshbridge/internal/eventbus"
)

const apiCallTimeout = 10 * time.Second

// permitState is the last observed network-join-permission, fed by the
// permit-join-changed event stream.
type permitState struct {
	mu      sync.Mutex
	enabled bool
	seconds uint32
}

// UpdatePermitJoin records the current join-permission window for the API.
func (s *Server) UpdatePermitJoin(enabled bool, seconds uint32) {
	s.permit.mu.Lock()
	s.permit.enabled = enabled
	s.permit.seconds = seconds
	s.permit.mu.Unlock()
}

func (s *Server) handleGetMQTTSettings(w http.ResponseWriter, r *http.Request) {
	settings := s.args.Config.MQTTSettings()
	s.writeOK(w, map[string]any{
		"server": settings.Server,
		"user":   settings.User,
	})
}

type mqttSettingsRequest struct {
	Server   string `json:"server"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (s *Server) handleUpdateMQTTSettings(w http.ResponseWriter, r *http.Request) {
	var req mqttSettingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.args.Config.UpdateMQTTSettings(req.Server, req.User, req.Password)
	s.writeOK(w, nil)
}

// deviceView is the catalog entry returned by the device listing, annotated
// with the configured alias.
type deviceView struct {
	IEEEAddress        string `json:"ieee_address"`
	FriendlyName       string `json:"friendly_name"`
	InterviewCompleted bool   `json:"interview_completed"`
	Supported          bool   `json:"supported"`
	Model              string `json:"model,omitempty"`
	Vendor             string `json:"vendor,omitempty"`
	Blocked            bool   `json:"blocked"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var views []deviceView
	for _, dev := range s.args.Stack.Devices() {
		v := deviceView{
			IEEEAddress:        dev.IEEEAddress,
			FriendlyName:       dev.Name(),
			InterviewCompleted: dev.InterviewCompleted,
			Supported:          dev.Supported,
		}
		if alias, ok := s.args.Config.FriendlyNameFor(dev.IEEEAddress); ok {
			v.FriendlyName = alias
		}
		if dev.Definition != nil {
			v.Model = dev.Definition.Model
			v.Vendor = dev.Definition.Vendor
		}
		if blocked, err := s.args.Store.IsBlocked(dev.IEEEAddress); err == nil {
			v.Blocked = blocked
		}
		views = append(views, v)
	}
	s.writeOK(w, map[string]any{"devices": views})
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ent, ok := s.args.ResolveEntity(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device does not exist")
		return
	}
	if s.args.MQTT.IsConnected() {
		// Graceful network removal is owned by the broker-facing extension.
		body, _ := json.Marshal(map[string]any{"id": ent.ID()})
		s.args.Bus.Emit(eventbus.MQTTMessage{
			Topic:   s.args.Config.MQTT.BaseTopic + "/bridge/request/device/remove",
			Payload: body,
		})
		s.writeOK(w, map[string]any{"id": ent.ID()})
		return
	}
	if err := s.removeDeviceDirect(r.Context(), ent.ID()); err != nil {
		s.logger.Error("remove device", "id", ent.ID(), "err", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeOK(w, map[string]any{"id": ent.ID()})
}

// removeDeviceDirect performs adapter removal plus cache and settings cleanup
// when no broker session exists to delegate through.
func (s *Server) removeDeviceDirect(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, apiCallTimeout)
	defer cancel()
	if err := s.args.Stack.RemoveDevice(ctx, id, false); err != nil {
		return err
	}
	s.args.State.Remove(id)
	s.args.Config.RemoveDeviceSettings(id)
	if err := s.args.Store.DeleteAlias(id); err != nil {
		s.logger.Error("delete alias", "id", id, "err", err)
	}
	s.args.Bus.Emit(eventbus.EntityRemoved{ID: id, Kind: entity.KindDevice})
	return nil
}

type aliasRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleSetAlias(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ent, ok := s.args.ResolveEntity(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "device does not exist")
		return
	}
	var req aliasRequest
	if err := decodeBody(w, r, &req); err != nil || req.FriendlyName == "" {
		s.writeError(w, http.StatusBadRequest, "friendly_name is required")
		return
	}
	if s.args.MQTT.IsConnected() {
		// Delegating the rename republishes the device catalog.
		body, _ := json.Marshal(map[string]any{"from": ent.ID(), "to": req.FriendlyName})
		s.args.Bus.Emit(eventbus.MQTTMessage{
			Topic:   s.args.Config.MQTT.BaseTopic + "/bridge/request/device/rename",
			Payload: body,
		})
	} else {
		s.args.Config.SetDeviceFriendlyName(ent.ID(), req.FriendlyName)
		if err := s.args.Store.SetAlias(ent.ID(), req.FriendlyName); err != nil {
			s.logger.Error("persist alias", "id", ent.ID(), "err", err)
		}
	}
	s.writeOK(w, map[string]any{"id": ent.ID(), "friendly_name": req.FriendlyName})
}

func (s *Server) handleGetPermitJoin(w http.ResponseWriter, r *http.Request) {
	s.permit.mu.Lock()
	enabled, seconds := s.permit.enabled, s.permit.seconds
	s.permit.mu.Unlock()
	s.writeOK(w, map[string]any{"permit_join": enabled, "time": seconds})
}

type permitJoinRequest struct {
	PermitJoin bool   `json:"permit_join"`
	Time       uint32 `json:"time"`
}

func (s *Server) handleSetPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), apiCallTimeout)
	defer cancel()
	if err := s.args.Stack.PermitJoin(ctx, req.PermitJoin, "", req.Time); err != nil {
		s.logger.Error("permit join", "err", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.args.Bus.Emit(eventbus.PermitJoinChanged{Enabled: req.PermitJoin, Seconds: req.Time})
	s.writeOK(w, map[string]any{"permit_join": req.PermitJoin, "time": req.Time})
}

func (s *Server) handleGetBlocklist(w http.ResponseWriter, r *http.Request) {
	ids, err := s.args.Store.Blocklist()
	if err != nil {
		s.logger.Error("read blocklist", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeOK(w, map[string]any{"blocklist": ids})
}

type blockRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleAddBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeBody(w, r, &req); err != nil || req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.args.Store.AddBlock(req.ID); err != nil {
		s.logger.Error("add block", "id", req.ID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	// A newly blocked device that is currently joined is removed from the
	// network best-effort; failure leaves the block entry in place.
	if ent, ok := s.args.ResolveEntity(req.ID); ok {
		if err := s.removeDeviceDirect(r.Context(), ent.ID()); err != nil {
			s.logger.Warn("remove blocked device", "id", ent.ID(), "err", err)
		}
	}
	s.writeOK(w, map[string]any{"id": req.ID})
}

func (s *Server) handleRemoveBlock(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.args.Store.RemoveBlock(id); err != nil {
		s.logger.Error("remove block", "id", id, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeOK(w, map[string]any{"id": id})
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, map[string]any{"level": levelName(s.args.LogLevel.Level())})
}

type logLevelRequest struct {
	Level string `json:"level"`
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req logLevelRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	level, ok := parseLevel(req.Level)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "level must be one of debug, info, warn, error")
		return
	}
	s.args.LogLevel.Set(level)
	s.logger.Info("log level changed", "level", req.Level)
	s.writeOK(w, map[string]any{"level": req.Level})
}

// handleLogBundle streams a gzipped tar of the log directory.
func (s *Server) handleLogBundle(w http.ResponseWriter, r *http.Request) {
	dir := s.args.Config.Advanced.LogDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read log directory: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="logs.tar.gz"`)
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := s.addLogFile(tw, dir, e.Name()); err != nil {
			s.logger.Error("bundle log file", "name", e.Name(), "err", err)
			return // headers already sent, abort the stream
		}
	}
	if err := tw.Close(); err != nil {
		s.logger.Error("close tar", "err", err)
	}
	if err := gz.Close(); err != nil {
		s.logger.Error("close gzip", "err", err)
	}
}

func (s *Server) addLogFile(tw *tar.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}

func parseLevel(name string) (slog.Level, bool) {
	switch name {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

func levelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// Package maintenance inspects a sync deployment's stores: it dumps a
// client's propagation history, reports field drift between module stores
// and the master record, and health-checks a running sync service.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/blackulaphoto/casesync/internal/platform/discovery"
	platformgrpc "github.com/blackulaphoto/casesync/internal/platform/grpc"
	"github.com/blackulaphoto/casesync/internal/platform/timeouts"
	server "github.com/blackulaphoto/casesync/internal/sync/app"
	"github.com/blackulaphoto/casesync/internal/sync/registry"
	"github.com/blackulaphoto/casesync/internal/sync/storage"
	"github.com/blackulaphoto/casesync/internal/sync/storage/bolt"
	"github.com/blackulaphoto/casesync/internal/sync/storage/sqlite"
)

// Config holds maintenance command configuration.
type Config struct {
	HistoryClientID string
	DriftClientID   string
	DriftAll        bool
	CheckService    bool
	ServiceAddr     string `env:"CASESYNC_SYNC_SERVICE_ADDR"`
	Limit           int
	JSONOutput      bool
	DataDir         string        `env:"CASESYNC_DATA_DIR"`
	RegistryPath    string        `env:"CASESYNC_REGISTRY_PATH"`
	Timeout         time.Duration `env:"CASESYNC_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

type envConfig struct {
	ServiceAddr  string        `env:"CASESYNC_SYNC_SERVICE_ADDR"`
	DataDir      string        `env:"CASESYNC_DATA_DIR"`
	RegistryPath string        `env:"CASESYNC_REGISTRY_PATH"`
	Timeout      time.Duration `env:"CASESYNC_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		ServiceAddr:  envCfg.ServiceAddr,
		DataDir:      envCfg.DataDir,
		RegistryPath: envCfg.RegistryPath,
		Timeout:      envCfg.Timeout,
		Limit:        20,
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	fs.StringVar(&cfg.HistoryClientID, "history", "", "client ID whose transaction history to print")
	fs.StringVar(&cfg.DriftClientID, "drift", "", "client ID to check for field drift across module stores")
	fs.BoolVar(&cfg.DriftAll, "drift-all", false, "check every registered client for field drift")
	fs.BoolVar(&cfg.CheckService, "check-service", false, "health-check the sync service and exit")
	fs.StringVar(&cfg.ServiceAddr, "service-addr", cfg.ServiceAddr, "sync service gRPC address (default: the in-network convention)")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max history records to print (0 = no limit)")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory holding the store databases (default: CASESYNC_DATA_DIR or data)")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "path to a module registry YAML file (default: CASESYNC_REGISTRY_PATH or the built-in registry)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	modes := 0
	if strings.TrimSpace(cfg.HistoryClientID) != "" {
		modes++
	}
	if strings.TrimSpace(cfg.DriftClientID) != "" {
		modes++
	}
	if cfg.DriftAll {
		modes++
	}
	if cfg.CheckService {
		modes++
	}
	if modes == 0 {
		return errors.New("-history, -drift, -drift-all, or -check-service is required")
	}
	if modes > 1 {
		return errors.New("-history, -drift, -drift-all, and -check-service cannot be combined")
	}
	if cfg.Limit < 0 {
		return errors.New("-limit must be >= 0")
	}

	if cfg.CheckService {
		addr := discovery.OrDefaultGRPCAddr(cfg.ServiceAddr, discovery.ServiceSync)
		return runCheckService(ctx, addr, cfg.JSONOutput, out, errOut)
	}

	if clientID := strings.TrimSpace(cfg.HistoryClientID); clientID != "" {
		history, err := sqlite.OpenHistory(filepath.Join(dataDir(cfg), server.HistoryFilename))
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		return runHistory(ctx, history, clientID, cfg.Limit, cfg.JSONOutput, out, errOut)
	}

	reg, err := loadRegistry(cfg.RegistryPath)
	if err != nil {
		return err
	}
	stores, err := openModuleReaders(reg, dataDir(cfg))
	if err != nil {
		return err
	}
	return runDrift(ctx, cfg, reg, stores, out, errOut)
}

// runHistory dumps a client's transaction history, newest first. It owns
// the history store's lifecycle (closing it on return).
func runHistory(ctx context.Context, history historyReader, clientID string, limit int, jsonOutput bool, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	defer func() {
		if err := history.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close history store: %v\n", err)
		}
	}()

	records, err := history.ListTransactions(ctx, clientID, limit)
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}

	report := historyReport{Count: len(records)}
	for _, record := range records {
		report.Records = append(report.Records, historyItem{
			TransactionID:     record.ID,
			Status:            record.Status,
			StartTime:         record.StartTime.UTC().Format(time.RFC3339),
			SourceModule:      record.SourceModule,
			Strategy:          record.Strategy,
			ModulesUpdated:    record.ModulesUpdated,
			ModulesFailed:     record.ModulesFailed,
			ConflictsResolved: record.ConflictsResolved,
			Error:             record.Error,
		})
	}

	result := runResult{ClientID: clientID, Mode: "history"}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	result.Report = payload

	if jsonOutput {
		outputJSON(out, errOut, result)
	} else {
		printResult(out, errOut, result, "")
	}
	return nil
}

// runDrift compares synced and bidirectional fields against the master
// record for one client or for every client the master store knows. It
// owns the store lifecycles (closing them on return).
func runDrift(ctx context.Context, cfg Config, reg *registry.Registry, stores map[string]moduleReader, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	defer closeReaders(stores, errOut)

	master := reg.Master()
	masterStore, ok := stores[master.Name]
	if !ok {
		return fmt.Errorf("no store for master module %q", master.Name)
	}

	var clientIDs []string
	if cfg.DriftAll {
		ids, err := masterStore.ListClientIDs(ctx)
		if err != nil {
			return fmt.Errorf("list %s clients: %w", master.Name, err)
		}
		clientIDs = ids
	} else {
		clientIDs = []string{strings.TrimSpace(cfg.DriftClientID)}
	}

	now := time.Now().UTC()
	failed := false
	for _, clientID := range clientIDs {
		result := driftClient(ctx, reg, stores, clientID, now)
		if cfg.JSONOutput {
			outputJSON(out, errOut, result)
		} else {
			prefix := ""
			if len(clientIDs) > 1 {
				prefix = fmt.Sprintf("[%s] ", clientID)
			}
			printResult(out, errOut, result, prefix)
		}
		if result.ExitCode != 0 {
			failed = true
		}
	}
	if failed {
		return errors.New("maintenance failed")
	}
	return nil
}

// driftClient builds the drift report for a single client. A module row
// whose synced or bidirectional fields disagree with the master record is
// drift; a module without a row for the client is reported but is not
// drift on its own.
func driftClient(ctx context.Context, reg *registry.Registry, stores map[string]moduleReader, clientID string, now time.Time) runResult {
	result := runResult{ClientID: clientID, Mode: "drift"}

	master := reg.Master()
	masterRow, err := stores[master.Name].ReadRow(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			result.Error = fmt.Sprintf("no %s record for client %s", master.Name, clientID)
		} else {
			result.Error = fmt.Sprintf("read %s record: %v", master.Name, err)
		}
		result.ExitCode = 1
		return result
	}

	report := driftReport{ClientID: clientID, Master: master.Name}
	for _, desc := range reg.Modules() {
		if desc.Master {
			continue
		}
		store, ok := stores[desc.Name]
		if !ok {
			result.Error = fmt.Sprintf("no store for module %q", desc.Name)
			result.ExitCode = 1
			return result
		}
		row, err := store.ReadRow(ctx, clientID)
		if errors.Is(err, storage.ErrNotFound) {
			report.Modules = append(report.Modules, moduleDrift{Module: desc.Name, Missing: true})
			continue
		}
		if err != nil {
			result.Error = fmt.Sprintf("read %s record: %v", desc.Name, err)
			result.ExitCode = 1
			return result
		}

		drift := moduleDrift{
			Module:    desc.Name,
			UpdatedAt: row.UpdatedAt.UTC().Format(time.RFC3339),
			Age:       now.Sub(row.UpdatedAt).Round(time.Second).String(),
		}
		for _, field := range sharedFields(desc) {
			moduleValue := row.Fields[field]
			masterValue := masterRow.Fields[field]
			if moduleValue == masterValue {
				continue
			}
			drift.Fields = append(drift.Fields, fieldDrift{
				Field:       field,
				ModuleValue: moduleValue,
				MasterValue: masterValue,
			})
		}
		if len(drift.Fields) > 0 {
			report.Drifted = true
		}
		report.Modules = append(report.Modules, drift)
	}

	payload, err := json.Marshal(report)
	if err != nil {
		result.Error = fmt.Sprintf("encode report: %v", err)
		result.ExitCode = 1
		return result
	}
	result.Report = payload
	if report.Drifted {
		result.ExitCode = 1
	}
	return result
}

// runCheckService dials the sync service and waits for its health check
// to report serving.
func runCheckService(ctx context.Context, addr string, jsonOutput bool, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, server.HealthService, timeouts.GRPCDial, nil, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return fmt.Errorf("health check %s: %w", addr, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close connection: %v\n", closeErr)
		}
	}()

	result := runResult{Mode: "check"}
	payload, err := json.Marshal(checkReport{
		Addr:    addr,
		Service: server.HealthService,
		Status:  "serving",
	})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	result.Report = payload

	if jsonOutput {
		outputJSON(out, errOut, result)
	} else {
		printResult(out, errOut, result, "")
	}
	return nil
}

type historyReport struct {
	Count   int           `json:"count"`
	Records []historyItem `json:"records,omitempty"`
}

type historyItem struct {
	TransactionID     string   `json:"transaction_id"`
	Status            string   `json:"status"`
	StartTime         string   `json:"start_time"`
	SourceModule      string   `json:"source_module"`
	Strategy          string   `json:"strategy"`
	ModulesUpdated    []string `json:"modules_updated,omitempty"`
	ModulesFailed     []string `json:"modules_failed,omitempty"`
	ConflictsResolved []string `json:"conflicts_resolved,omitempty"`
	Error             string   `json:"error,omitempty"`
}

type driftReport struct {
	ClientID string        `json:"client_id"`
	Master   string        `json:"master"`
	Modules  []moduleDrift `json:"modules"`
	Drifted  bool          `json:"drifted"`
}

type moduleDrift struct {
	Module    string       `json:"module"`
	Missing   bool         `json:"missing,omitempty"`
	UpdatedAt string       `json:"updated_at,omitempty"`
	Age       string       `json:"age,omitempty"`
	Fields    []fieldDrift `json:"fields,omitempty"`
}

type fieldDrift struct {
	Field       string `json:"field"`
	ModuleValue string `json:"module_value"`
	MasterValue string `json:"master_value"`
}

type checkReport struct {
	Addr    string `json:"addr"`
	Service string `json:"service"`
	Status  string `json:"status"`
}

type runResult struct {
	ClientID string          `json:"client_id,omitempty"`
	Mode     string          `json:"mode"`
	Report   json.RawMessage `json:"report,omitempty"`
	Error    string          `json:"error,omitempty"`
	ExitCode int             `json:"-"`
}

func outputJSON(out io.Writer, errOut io.Writer, result runResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		fmt.Fprintf(errOut, "Error: encode report: %v\n", err)
		return
	}
	fmt.Fprintln(out, string(encoded))
}

func printResult(out io.Writer, errOut io.Writer, result runResult, prefix string) {
	if result.Error != "" {
		fmt.Fprintf(errOut, "%sError: %s\n", prefix, result.Error)
	}
	if len(result.Report) == 0 {
		return
	}

	switch result.Mode {
	case "history":
		var report historyReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		fmt.Fprintf(out, "%sTransaction history for client %s (%d records)\n", prefix, result.ClientID, report.Count)
		for _, item := range report.Records {
			line := fmt.Sprintf("%s- %s %s %s source=%s strategy=%s", prefix, item.TransactionID, item.Status, item.StartTime, item.SourceModule, item.Strategy)
			if len(item.ModulesUpdated) > 0 {
				line += fmt.Sprintf(" updated=%s", strings.Join(item.ModulesUpdated, ","))
			}
			if len(item.ModulesFailed) > 0 {
				line += fmt.Sprintf(" failed=%s", strings.Join(item.ModulesFailed, ","))
			}
			if len(item.ConflictsResolved) > 0 {
				line += fmt.Sprintf(" conflicts=%s", strings.Join(item.ConflictsResolved, ","))
			}
			if item.Error != "" {
				line += fmt.Sprintf(" error=%q", item.Error)
			}
			fmt.Fprintln(out, line)
		}
	case "drift":
		var report driftReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		if report.Drifted {
			fmt.Fprintf(out, "%sDrift detected for client %s against %s\n", prefix, report.ClientID, report.Master)
		} else {
			fmt.Fprintf(out, "%sNo drift for client %s against %s\n", prefix, report.ClientID, report.Master)
		}
		for _, module := range report.Modules {
			if module.Missing {
				fmt.Fprintf(out, "%s- %s: no record\n", prefix, module.Module)
				continue
			}
			if len(module.Fields) == 0 {
				fmt.Fprintf(out, "%s- %s: in sync (updated %s, age %s)\n", prefix, module.Module, module.UpdatedAt, module.Age)
				continue
			}
			fmt.Fprintf(out, "%s- %s: %d drifted fields (updated %s, age %s)\n", prefix, module.Module, len(module.Fields), module.UpdatedAt, module.Age)
			for _, field := range module.Fields {
				fmt.Fprintf(out, "%s    %s: %q != master %q\n", prefix, field.Field, field.ModuleValue, field.MasterValue)
			}
		}
	case "check":
		var report checkReport
		if err := json.Unmarshal(result.Report, &report); err != nil {
			fmt.Fprintf(errOut, "%sError: decode report: %v\n", prefix, err)
			return
		}
		fmt.Fprintf(out, "%sService %s at %s: %s\n", prefix, report.Service, report.Addr, report.Status)
	}
}

// sharedFields returns the fields a module shares with the master record:
// synced fields plus bidirectional ones, deduplicated in that order.
func sharedFields(desc registry.Descriptor) []string {
	fields := make([]string, 0, len(desc.SyncFields)+len(desc.BidirectionalFields))
	seen := make(map[string]bool, len(desc.SyncFields)+len(desc.BidirectionalFields))
	for _, field := range desc.SyncFields {
		if seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}
	for _, field := range desc.BidirectionalFields {
		if seen[field] {
			continue
		}
		seen[field] = true
		fields = append(fields, field)
	}
	return fields
}

func loadRegistry(path string) (*registry.Registry, error) {
	if strings.TrimSpace(path) == "" {
		return registry.New(registry.DefaultDescriptors())
	}
	descriptors, err := registry.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return registry.New(descriptors)
}

func openModuleReaders(reg *registry.Registry, dataDir string) (map[string]moduleReader, error) {
	stores := make(map[string]moduleReader, len(reg.Modules()))
	for _, desc := range reg.Modules() {
		path := filepath.Join(dataDir, desc.Storage)
		var (
			store moduleReader
			err   error
		)
		switch desc.Engine {
		case registry.EngineBolt:
			store, err = bolt.Open(path, desc.Name, desc.Fields())
		default:
			store, err = sqlite.Open(path, desc.Name, desc.Fields())
		}
		if err != nil {
			closeReaders(stores, io.Discard)
			return nil, fmt.Errorf("open %s store: %w", desc.Name, err)
		}
		stores[desc.Name] = store
	}
	return stores, nil
}

func closeReaders(stores map[string]moduleReader, errOut io.Writer) {
	for name, store := range stores {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close %s store: %v\n", name, err)
		}
	}
}

func dataDir(cfg Config) string {
	if dir := strings.TrimSpace(cfg.DataDir); dir != "" {
		return dir
	}
	return "data"
}

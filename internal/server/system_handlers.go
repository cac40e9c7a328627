package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/anthonykimani/kiota-sub002/internal/database"
	"github.com/anthonykimani/kiota-sub002/internal/modules/deposit"
	"github.com/anthonykimani/kiota-sub002/internal/modules/portfolio"
)

// SessionSource exposes the deposit queries the status endpoint needs.
type SessionSource interface {
	ListByStatus(status deposit.Status) ([]*deposit.Session, error)
	ListUnsettled() ([]*deposit.Session, error)
}

// ValuationSource prices the portfolio from stored holdings.
type ValuationSource interface {
	Valuation() (portfolio.Valuation, error)
}

// VenueSource names the active swap execution venue.
type VenueSource interface {
	ProviderName() string
}

// SystemHandlers serves the monitoring endpoints: pipeline status,
// database statistics, and disk usage.
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	ledgerDB    *database.DB
	portfolioDB *database.DB
	cacheDB     *database.DB
	sessions    SessionSource
	valuations  ValuationSource
	venue       VenueSource
	startedAt   time.Time
}

// NewSystemHandlers creates system monitoring handlers.
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	ledgerDB *database.DB,
	portfolioDB *database.DB,
	cacheDB *database.DB,
	sessions SessionSource,
	valuations ValuationSource,
	venue VenueSource,
) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		dataDir:     dataDir,
		ledgerDB:    ledgerDB,
		portfolioDB: portfolioDB,
		cacheDB:     cacheDB,
		sessions:    sessions,
		valuations:  valuations,
		venue:       venue,
		startedAt:   time.Now(),
	}
}

// SystemStatusResponse is the payload for GET /api/system/status.
type SystemStatusResponse struct {
	Status             string             `json:"status"`
	Venue              string             `json:"venue"`
	PortfolioValueUSD  float64            `json:"portfolio_value_usd"`
	AllocationPercents map[string]float64 `json:"allocation_percents,omitempty"`
	AwaitingDeposits   int                `json:"awaiting_deposits"`
	PendingConfirm     int                `json:"pending_confirmation"`
	PendingSettlement  int                `json:"pending_settlement"`
	CPUPercent         float64            `json:"cpu_percent"`
	RAMPercent         float64            `json:"ram_percent"`
	UptimeSeconds      int64              `json:"uptime_seconds"`
}

// DBInfo describes one database file.
type DBInfo struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	FreelistPages int64   `json:"freelist_pages"`
}

// DatabaseStatsResponse is the payload for GET /api/system/database/stats.
type DatabaseStatsResponse struct {
	Databases   []DBInfo `json:"databases"`
	TotalSizeMB float64  `json:"total_size_mb"`
	LastChecked string   `json:"last_checked"`
}

// DiskUsageResponse is the payload for GET /api/system/disk.
type DiskUsageResponse struct {
	DataDirMB   float64 `json:"data_dir_mb"`
	AvailableGB float64 `json:"available_gb"`
}

// GetSystemStatusSnapshot collects the status payload. Collection keeps
// going past individual failures so one broken source does not blank
// the whole endpoint; the first error comes back for logging and the
// affected fields stay at their zero values.
func (h *SystemHandlers) GetSystemStatusSnapshot() (SystemStatusResponse, error) {
	var firstErr error
	recordErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	response := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	if h.venue != nil {
		response.Venue = h.venue.ProviderName()
	}

	if h.valuations != nil {
		valuation, err := h.valuations.Valuation()
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to value portfolio")
			recordErr(err)
		} else {
			response.PortfolioValueUSD = valuation.TotalUSD
			response.AllocationPercents = valuation.Percents
		}
	}

	if h.sessions != nil {
		awaiting, err := h.sessions.ListByStatus(deposit.StatusAwaitingTransfer)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to count awaiting deposits")
			recordErr(err)
		}
		response.AwaitingDeposits = len(awaiting)

		received, err := h.sessions.ListByStatus(deposit.StatusReceived)
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to count received deposits")
			recordErr(err)
		}
		response.PendingConfirm = len(received)

		unsettled, err := h.sessions.ListUnsettled()
		if err != nil {
			h.log.Error().Err(err).Msg("Failed to count unsettled deposits")
			recordErr(err)
		}
		response.PendingSettlement = len(unsettled)
	}

	response.CPUPercent, response.RAMPercent = h.getSystemStats()

	return response, firstErr
}

// HandleSystemStatus returns the pipeline status snapshot
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting system status")

	response, err := h.GetSystemStatusSnapshot()
	if err != nil {
		h.log.Warn().Err(err).Msg("System status collected with warnings")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleDatabaseStats returns database statistics
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting database stats")

	databases := []DBInfo{}
	totalSizeMB := 0.0

	for _, db := range []*database.DB{h.ledgerDB, h.portfolioDB, h.cacheDB} {
		if db == nil {
			continue
		}

		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to get database stats")
			continue
		}

		sizeMB := float64(stats.SizeBytes) / 1024 / 1024
		totalSizeMB += sizeMB

		databases = append(databases, DBInfo{
			Name:          db.Name(),
			Path:          db.Path(),
			SizeMB:        sizeMB,
			WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
			PageCount:     stats.PageCount,
			FreelistPages: stats.FreelistCount,
		})
	}

	response := DatabaseStatsResponse{
		Databases:   databases,
		TotalSizeMB: totalSizeMB,
		LastChecked: time.Now().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleDiskUsage returns disk usage statistics
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	h.log.Debug().Msg("Getting disk usage")

	response := DiskUsageResponse{
		DataDirMB: h.getDirSize(h.dataDir),
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(filepath.Clean(h.dataDir), &stat); err != nil {
		h.log.Warn().Err(err).Msg("Failed to stat filesystem")
	} else {
		response.AvailableGB = float64(stat.Bavail) * float64(stat.Bsize) / 1024 / 1024 / 1024
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// getDirSize calculates total size of a directory in MB
func (h *SystemHandlers) getDirSize(dirPath string) float64 {
	var totalSize int64

	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})

	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}

// getSystemStats calculates CPU and RAM usage percentages. The 100ms
// sampling window keeps the status endpoint responsive; dashboards poll
// this every couple of seconds.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

package api

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/annel0/claim-engine/internal/registry"
)

// ServerMetrics собирает сводку для /api/stats: состояние реестра
// претензий плюс ресурсы процесса.
type ServerMetrics struct {
	startTime time.Time
	registry  *registry.Registry
}

// NewServerMetrics создаёт сборщик статистики поверх реестра.
func NewServerMetrics(reg *registry.Registry) *ServerMetrics {
	return &ServerMetrics{
		startTime: time.Now(),
		registry:  reg,
	}
}

// Uptime возвращает время работы сервера в человекочитаемом виде.
func (sm *ServerMetrics) Uptime() string {
	up := time.Since(sm.startTime)

	days := int(up.Hours()) / 24
	hours := int(up.Hours()) % 24
	minutes := int(up.Minutes()) % 60
	seconds := int(up.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dд %dч %dм %dс", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dч %dм %dс", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dм %dс", minutes, seconds)
	default:
		return fmt.Sprintf("%dс", seconds)
	}
}

// ClaimStats возвращает сводку реестра: общее число претензий и владельцев.
func (sm *ServerMetrics) ClaimStats() map[string]interface{} {
	owners := sm.registry.Owners()
	total := 0
	for _, o := range owners {
		total += sm.registry.ClaimCount(o)
	}
	return map[string]interface{}{
		"total":  total,
		"owners": len(owners),
	}
}

// ProcessStats возвращает сводку процесса: аптайм, память и загрузку CPU.
func (sm *ServerMetrics) ProcessStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	procCPU, _ := sm.processCPU()
	sysCPU, _ := systemCPU()

	return map[string]interface{}{
		"uptime":      sm.Uptime(),
		"memory_mb":   fmt.Sprintf("%.2f", float64(m.Alloc)/1024/1024),
		"cpu_percent": fmt.Sprintf("%.2f", procCPU),
		"system_cpu":  fmt.Sprintf("%.2f", sysCPU),
		"server_time": time.Now().Unix(),
	}
}

// MemoryDetails возвращает детальную статистику памяти рантайма.
func (sm *ServerMetrics) MemoryDetails() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"alloc_mb":       float64(m.Alloc) / 1024 / 1024,
		"total_alloc_mb": float64(m.TotalAlloc) / 1024 / 1024,
		"sys_mb":         float64(m.Sys) / 1024 / 1024,
		"heap_alloc_mb":  float64(m.HeapAlloc) / 1024 / 1024,
		"heap_sys_mb":    float64(m.HeapSys) / 1024 / 1024,
		"num_gc":         m.NumGC,
		"goroutines":     runtime.NumGoroutine(),
	}
}

// processCPU возвращает загрузку CPU процессом; при недоступности
// метрики процесса откатывается на системный замер.
func (sm *ServerMetrics) processCPU() (float64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	pct, err := proc.CPUPercent()
	if err != nil {
		pcts, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil || len(pcts) == 0 {
			return 0, err
		}
		return pcts[0], nil
	}
	return pct, nil
}

// systemCPU возвращает общую загрузку CPU системы за секундный интервал.
func systemCPU() (float64, error) {
	pcts, err := cpu.Percent(time.Second, false)
	if err != nil || len(pcts) == 0 {
		return 0, err
	}
	return pcts[0], nil
}

// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
)

// GlobalStats matches the structure from server.go
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	RejectedTasks   int     `json:"rejected_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	Passed          int     `json:"passed"`
	Blocked         int     `json:"blocked"`
	NeedsHuman      int     `json:"needs_human_review"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// suite shapes the injected load.
type suite struct {
	tasks    int
	projects int // tasks spread over this many projects
	repeat   int // each task id is submitted this many times (workspace reuse)
}

var suites = map[string]suite{
	"burst":     {tasks: 50, projects: 50, repeat: 1},
	"reuse":     {tasks: 10, projects: 2, repeat: 5},
	"overload":  {tasks: 200, projects: 40, repeat: 1},
	"realistic": {tasks: 60, projects: 8, repeat: 2},
}

func main() {
	suiteName := flag.String("suite", "", "Benchmark suite to run (burst, reuse, overload, realistic)")
	dbHost := flag.String("db_host", "localhost", "Database host")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	flag.Parse()

	s, ok := suites[*suiteName]
	if !ok {
		fmt.Printf("%sPlease specify a suite using --suite=[burst|reuse|overload|realistic]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	// Load DB config from .env or defaults
	_ = godotenv.Load("../../.env")
	dbUser := envOr("DB_USER", "user")
	dbPass := envOr("DB_PASSWORD", "password")
	dbName := envOr("DB_NAME", "continuum")
	sslMode := envOr("DB_SSLMODE", "require")

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=%s",
		dbUser, dbPass, dbName, *dbHost, sslMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%sFailed to connect to DB: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("\n%s%s >> CONTINUUM REVIEW BENCHMARK  SUITE: %s <<%s\n", colorCyan, colorBold, *suiteName, colorReset)

	initialStats, err := getGlobalStats(*apiHost, *apiPort)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	injected, err := injectTasks(db, *suiteName, s)
	if err != nil {
		fmt.Printf("%s[ERR]%s Failed to insert tasks: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s %d review tasks injected.\n\n", colorGreen, colorReset, injected)

	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-10s %-10s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "DECIDED", "REJECTED", "FAILED", "RUNNING", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(*apiHost, *apiPort)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		decided := stats.CompletedTasks - initialStats.CompletedTasks
		rejected := stats.RejectedTasks - initialStats.RejectedTasks
		failed := stats.FailedTasks - initialStats.FailedTasks

		statusColor := colorGreen
		if failed > 0 {
			statusColor = colorRed
		}
		fmt.Printf("\r%-10s %s%-10d%s %s%-10d%s %s%-10d%s %-10d %-10d",
			elapsed,
			colorGreen, decided, colorReset,
			colorYellow, rejected, colorReset,
			statusColor, failed, colorReset,
			stats.RunningTasks, stats.PendingTasks,
		)

		if stats.RunningTasks == 0 && stats.PendingTasks == 0 && decided+rejected+failed >= injected {
			fmt.Printf("\n%s------------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			return
		}
	}
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// injectTasks inserts the suite's tasks in one transaction. Repeated tasks
// get distinct ids but share a project, so the worker can reuse workspaces.
func injectTasks(db *sql.DB, name string, s suite) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO REVIEW_TASKS (id, project_id, developer_id, files, priority) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	runID := time.Now().UnixNano()
	count := 0
	for i := 0; i < s.tasks; i++ {
		for r := 0; r < s.repeat; r++ {
			id := fmt.Sprintf("bench-%s-%d-%d-%d", name, runID, i, r)
			project := fmt.Sprintf("bench-project-%d", i%s.projects)
			files := []string{fmt.Sprintf("pkg%d/handler.go", i), fmt.Sprintf("pkg%d/handler_test.go", i)}
			if _, err := stmt.Exec(id, project, "bench-dev", pq.Array(files), rand.IntN(5)); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, tx.Commit()
}

func getGlobalStats(host, port string) (GlobalStats, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%s/global-status", host, port))
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return GlobalStats{}, fmt.Errorf("global-status returned %s", resp.Status)
	}

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	decided := final.CompletedTasks - initial.CompletedTasks
	rejected := final.RejectedTasks - initial.RejectedTasks
	failed := final.FailedTasks - initial.FailedTasks
	total := decided + rejected + failed
	tps := float64(total) / duration.Seconds()

	decidedRate := 100.0
	if total > 0 {
		decidedRate = float64(decided) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", total))
	fmt.Printf(lineFmt+"\n", "  - Decided:", fmt.Sprintf("%d", decided))
	fmt.Printf(lineFmt+"\n", "    - Pass:", fmt.Sprintf("%d", final.Passed-initial.Passed))
	fmt.Printf(lineFmt+"\n", "    - Blocked:", fmt.Sprintf("%d", final.Blocked-initial.Blocked))
	fmt.Printf(lineFmt+"\n", "    - Human review:", fmt.Sprintf("%d", final.NeedsHuman-initial.NeedsHuman))
	fmt.Printf(lineFmt+"\n", "  - Rejected:", fmt.Sprintf("%d", rejected))
	fmt.Printf(lineFmt+"\n", "  - Failed:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt+"\n", "Decided Rate:", fmt.Sprintf("%.2f%%", decidedRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Latency:", fmt.Sprintf("%.2f ms", final.AvgExecutionSec*1000))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f tasks/hr", final.ThroughputTasks))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}

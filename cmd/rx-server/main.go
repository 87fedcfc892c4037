package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rxcore/rxcore/internal/config"
	"github.com/rxcore/rxcore/internal/domain/audit"
	"github.com/rxcore/rxcore/internal/domain/billing"
	"github.com/rxcore/rxcore/internal/domain/dispense"
	"github.com/rxcore/rxcore/internal/domain/formulary"
	"github.com/rxcore/rxcore/internal/domain/inventory"
	"github.com/rxcore/rxcore/internal/domain/mar"
	"github.com/rxcore/rxcore/internal/domain/patient"
	"github.com/rxcore/rxcore/internal/domain/prescription"
	"github.com/rxcore/rxcore/internal/domain/recall"
	"github.com/rxcore/rxcore/internal/domain/safety"
	"github.com/rxcore/rxcore/internal/platform/auth"
	"github.com/rxcore/rxcore/internal/platform/db"
	"github.com/rxcore/rxcore/internal/platform/metrics"
	"github.com/rxcore/rxcore/internal/platform/middleware"
	"github.com/rxcore/rxcore/internal/platform/notification"
)

const version = "0.1.0"

// safetyDrugDirectory adapts the formulary service to the name lookup the
// safety evaluator declares, avoiding a formulary import inside safety.
type safetyDrugDirectory struct {
	svc *formulary.Service
}

func (d *safetyDrugDirectory) NamesFor(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]safety.DrugNames, error) {
	names, err := d.svc.NamesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]safety.DrugNames, len(names))
	for id, n := range names {
		out[id] = safety.DrugNames{Name: n.Name, GenericName: n.GenericName}
	}
	return out, nil
}

// drugGate adapts the formulary service to the existence check the
// prescription service declares.
type drugGate struct {
	svc *formulary.Service
}

func (g *drugGate) DrugExists(ctx context.Context, id uuid.UUID) (bool, error) {
	_, err := g.svc.GetDrug(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// stockGate adapts the inventory service to the lot lookups the safety
// evaluator runs its recall and expiry checks through.
type stockGate struct {
	svc *inventory.Service
}

func (g *stockGate) LotByDrugAndBatch(ctx context.Context, drugID uuid.UUID, batchNumber string) (*safety.LotInfo, bool, error) {
	lot, err := g.svc.FindByDrugAndBatch(ctx, drugID, batchNumber)
	switch {
	case err == nil:
		return lotInfo(lot), true, nil
	case errors.Is(err, inventory.ErrLotNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func (g *stockGate) LotByID(ctx context.Context, id uuid.UUID) (*safety.LotInfo, bool, error) {
	lot, err := g.svc.GetLot(ctx, id)
	switch {
	case err == nil:
		return lotInfo(lot), true, nil
	case errors.Is(err, inventory.ErrLotNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func lotInfo(lot *inventory.Lot) *safety.LotInfo {
	return &safety.LotInfo{
		ID:          lot.ID,
		DrugID:      lot.DrugID,
		BatchNumber: lot.BatchNumber,
		IsRecalled:  lot.IsRecalled,
		RecallRef:   lot.RecallRef,
		ExpiryDate:  lot.ExpiryDate,
	}
}

// marScheduler defers the MAR service reference so the dispense service
// can be constructed before it: dispense triggers schedule creation, and
// schedule creation reads dispense records back.
type marScheduler struct {
	svc *mar.Service
}

func (a *marScheduler) CreateSchedule(ctx context.Context, dispenseID, admissionID uuid.UUID) (int, error) {
	if a.svc == nil {
		return 0, fmt.Errorf("MAR service not wired")
	}
	return a.svc.CreateSchedule(ctx, dispenseID, admissionID)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "rx-server",
		Short: "Pharmacy dispensing and medication safety API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pharmacy API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a database backup instead.")
			return nil
		},
	})

	return cmd
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load a demo formulary, patients, stock, and interaction rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			return runSeed(ctx, pool, cfg)
		},
	}
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	collector := metrics.NewCollector("rxcore", prometheus.DefaultRegisterer)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.SanitizeWithLogger(logger))
	e.Use(middleware.BodyLimit(cfg.MaxBodySize))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(collector.HTTPMiddleware())
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeout) * time.Second))

	if cfg.ResolvedAuthMode() == "dev" {
		logger.Warn().Msg("dev auth mode active; every request runs as a synthetic admin")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	}

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(middleware.AccessAudit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// -- Wire domain services --

	drugRepo := formulary.NewDrugRepoPG(pool)
	formularySvc := formulary.NewService(drugRepo)

	patientRepo := patient.NewPatientRepoPG(pool)
	patientSvc := patient.NewService(patientRepo)

	auditSvc := audit.NewService(audit.NewPGRepository(pool))

	inventoryRepo := inventory.NewPGRepository(pool)
	inventorySvc := inventory.NewService(inventoryRepo, auditSvc, logger, cfg.LowStockThreshold, cfg.ExpiryWarningDays)

	ruleRepo := safety.NewPGRepository(pool)
	safetySvc := safety.NewService(ruleRepo)
	evaluator := safety.NewEvaluator(ruleRepo, &safetyDrugDirectory{svc: formularySvc}, patientSvc, &stockGate{svc: inventorySvc})

	billingSvc := billing.NewService(billing.NewPGRepository(pool))

	prescriptionRepo := prescription.NewPGRepository(pool)
	prescriptionSvc := prescription.NewService(prescriptionRepo, &drugGate{svc: formularySvc}, evaluator, cfg.OverrideReasonMinLen)

	runner := db.NewRunner(pool)
	scheduler := &marScheduler{}

	dispenseRepo := dispense.NewPGRepository(pool)
	dispenseSvc := dispense.NewService(runner, dispenseRepo, prescriptionSvc, inventorySvc,
		evaluator, formularySvc, billingSvc, scheduler, auditSvc, collector, logger)

	templates := notification.NewTemplateEngine()
	notifier := notification.NewNotificationManager(
		&notification.LogEmailSender{Logger: logger},
		&notification.LogSMSSender{Logger: logger},
		templates,
	)

	recallRepo := recall.NewPGRepository(pool)
	recallSvc := recall.NewService(runner, recallRepo, inventorySvc, dispenseSvc, patientSvc,
		formularySvc, templates, notifier, auditSvc, collector, logger,
		time.Duration(cfg.NotifyTimeoutSeconds)*time.Second)

	marRepo := mar.NewPGRepository(pool)
	marSvc := mar.NewService(marRepo, dispenseSvc, evaluator, auditSvc, collector, logger, cfg.MARDefaultDurationDays)
	scheduler.svc = marSvc

	// -- Register handlers --

	formulary.NewHandler(formularySvc).RegisterRoutes(apiV1)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1)
	inventory.NewHandler(inventorySvc).RegisterRoutes(apiV1)
	safety.NewHandler(safetySvc, evaluator).RegisterRoutes(apiV1)
	prescription.NewHandler(prescriptionSvc).RegisterRoutes(apiV1)
	dispense.NewHandler(dispenseSvc).RegisterRoutes(apiV1)
	recall.NewHandler(recallSvc).RegisterRoutes(apiV1)
	mar.NewHandler(marSvc).RegisterRoutes(apiV1)
	billing.NewHandler(billingSvc).RegisterRoutes(apiV1)
	audit.NewHandler(auditSvc).RegisterRoutes(apiV1)

	notifyAdmin := apiV1.Group("", auth.RequireRole("admin"))
	notification.NewNotificationHandler(notifier).RegisterRoutes(notifyAdmin)

	// Sample the pool into the connections gauge.
	gaugeCtx, gaugeCancel := context.WithCancel(ctx)
	defer gaugeCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gaugeCtx.Done():
				return
			case <-ticker.C:
				collector.DBConnections.Set(float64(pool.Stat().TotalConns()))
			}
		}
	}()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runSeed(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
	const actor = "seed"

	formularySvc := formulary.NewService(formulary.NewDrugRepoPG(pool))
	patientSvc := patient.NewService(patient.NewPatientRepoPG(pool))
	inventorySvc := inventory.NewService(inventory.NewPGRepository(pool), nil, zerolog.Nop(), cfg.LowStockThreshold, cfg.ExpiryWarningDays)
	safetySvc := safety.NewService(safety.NewPGRepository(pool))

	strPtr := func(s string) *string { return &s }

	drugs := []*formulary.Drug{
		{Code: "AMOX-500", Name: "Amoxicillin 500mg", GenericName: strPtr("amoxicillin"), Form: strPtr("capsule"), Strength: strPtr("500"), Unit: strPtr("mg"), UnitPrice: 1.20},
		{Code: "PARA-500", Name: "Paracetamol 500mg", GenericName: strPtr("paracetamol"), Form: strPtr("tablet"), Strength: strPtr("500"), Unit: strPtr("mg"), UnitPrice: 0.30},
		{Code: "WARF-5", Name: "Warfarin 5mg", GenericName: strPtr("warfarin"), Form: strPtr("tablet"), Strength: strPtr("5"), Unit: strPtr("mg"), UnitPrice: 0.85, IsHighAlert: true},
		{Code: "ASPI-75", Name: "Aspirin 75mg", GenericName: strPtr("acetylsalicylic acid"), Form: strPtr("tablet"), Strength: strPtr("75"), Unit: strPtr("mg"), UnitPrice: 0.25},
		{Code: "OMEP-20", Name: "Omeprazole 20mg", GenericName: strPtr("omeprazole"), Form: strPtr("capsule"), Strength: strPtr("20"), Unit: strPtr("mg"), UnitPrice: 0.95},
		{Code: "MORPH-10", Name: "Morphine 10mg/ml", GenericName: strPtr("morphine sulfate"), Form: strPtr("injection"), Strength: strPtr("10"), Unit: strPtr("mg/ml"), UnitPrice: 4.50, IsNarcotic: true, IsHighAlert: true},
	}
	byCode := make(map[string]*formulary.Drug, len(drugs))
	created := 0
	for _, d := range drugs {
		existing, err := formularySvc.GetDrugByCode(ctx, d.Code)
		if err == nil {
			byCode[d.Code] = existing
			continue
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("look up drug %s: %w", d.Code, err)
		}
		if err := formularySvc.CreateDrug(ctx, d); err != nil {
			return fmt.Errorf("create drug %s: %w", d.Code, err)
		}
		byCode[d.Code] = d
		created++
	}
	fmt.Printf("Formulary: %d drug(s) created, %d already present.\n", created, len(drugs)-created)

	patients := []*patient.Patient{
		{MRN: "MRN-1001", FullName: "Ayesha Rahman", Phone: strPtr("+919823104501"), Email: strPtr("ayesha.rahman@example.com"), Allergies: []string{"penicillin"}},
		{MRN: "MRN-1002", FullName: "Tanvir Ahmed", Email: strPtr("tanvir.ahmed@example.com"), Allergies: []string{}},
		{MRN: "MRN-1003", FullName: "Farida Khatun", Phone: strPtr("+919823104503"), Allergies: []string{"aspirin", "sulfa drugs"}},
	}
	created = 0
	for _, p := range patients {
		if _, err := patientSvc.GetPatientByMRN(ctx, p.MRN); err == nil {
			continue
		}
		if err := patientSvc.CreatePatient(ctx, p); err != nil {
			return fmt.Errorf("create patient %s: %w", p.MRN, err)
		}
		created++
	}
	fmt.Printf("Patients: %d created, %d already present.\n", created, len(patients)-created)

	rules := []safety.CreateRuleInput{
		{
			DrugAID: byCode["WARF-5"].ID, DrugBID: byCode["ASPI-75"].ID,
			Severity:    safety.SeverityMajor,
			Description: "Concurrent warfarin and aspirin markedly increases bleeding risk.",
			BlockPrescription: true, RequiresOverride: true,
		},
		{
			DrugAID: byCode["WARF-5"].ID, DrugBID: byCode["PARA-500"].ID,
			Severity:    safety.SeverityModerate,
			Description: "Regular paracetamol may potentiate warfarin; monitor INR.",
		},
		{
			DrugAID: byCode["MORPH-10"].ID, DrugBID: byCode["OMEP-20"].ID,
			Severity:    safety.SeverityMinor,
			Description: "Omeprazole may slightly delay morphine clearance.",
		},
	}
	created = 0
	for _, in := range rules {
		if _, err := safetySvc.CreateRule(ctx, in); err != nil {
			// A rule for this pair already exists on re-runs.
			fmt.Printf("Rule for pair skipped: %v\n", err)
			continue
		}
		created++
	}
	fmt.Printf("Interaction rules: %d created.\n", created)

	expiry := func(months int) *time.Time {
		t := time.Now().AddDate(0, months, 0)
		return &t
	}
	lots := []inventory.ReceiveLotInput{
		{DrugID: byCode["AMOX-500"].ID, BatchNumber: "AMX-2406-A", ExpiryDate: expiry(10), Quantity: 500, UnitCost: 0.70, UnitPrice: 1.20, SupplierName: strPtr("Sun Pharma"), ReceiptRef: strPtr("GRN-0001")},
		{DrugID: byCode["AMOX-500"].ID, BatchNumber: "AMX-2411-B", ExpiryDate: expiry(16), Quantity: 300, UnitCost: 0.72, UnitPrice: 1.20, SupplierName: strPtr("Sun Pharma"), ReceiptRef: strPtr("GRN-0002")},
		{DrugID: byCode["PARA-500"].ID, BatchNumber: "PCM-2403-A", ExpiryDate: expiry(7), Quantity: 2000, UnitCost: 0.12, UnitPrice: 0.30, SupplierName: strPtr("Cipla Limited"), ReceiptRef: strPtr("GRN-0003")},
		{DrugID: byCode["WARF-5"].ID, BatchNumber: "WRF-2401-A", ExpiryDate: expiry(12), Quantity: 400, UnitCost: 0.40, UnitPrice: 0.85, SupplierName: strPtr("Dr. Reddy's Laboratories"), ReceiptRef: strPtr("GRN-0004")},
		{DrugID: byCode["ASPI-75"].ID, BatchNumber: "ASP-2405-A", ExpiryDate: expiry(20), Quantity: 1500, UnitCost: 0.10, UnitPrice: 0.25, SupplierName: strPtr("Cipla Limited"), ReceiptRef: strPtr("GRN-0005")},
		{DrugID: byCode["OMEP-20"].ID, BatchNumber: "OMP-2402-A", ExpiryDate: expiry(3), Quantity: 600, UnitCost: 0.55, UnitPrice: 0.95, SupplierName: strPtr("Zydus Lifesciences"), ReceiptRef: strPtr("GRN-0006")},
		{DrugID: byCode["MORPH-10"].ID, BatchNumber: "MOR-2404-A", ExpiryDate: expiry(14), Quantity: 50, UnitCost: 2.80, UnitPrice: 4.50, SupplierName: strPtr("Lupin Limited"), ReceiptRef: strPtr("GRN-0007")},
	}
	created = 0
	for _, in := range lots {
		if _, err := inventorySvc.FindByDrugAndBatch(ctx, in.DrugID, in.BatchNumber); err == nil {
			continue
		}
		if _, err := inventorySvc.ReceiveLot(ctx, in, actor); err != nil {
			return fmt.Errorf("receive lot %s: %w", in.BatchNumber, err)
		}
		created++
	}
	fmt.Printf("Stock: %d lot(s) received, %d already present.\n", created, len(lots)-created)

	fmt.Println("Seed complete.")
	return nil
}

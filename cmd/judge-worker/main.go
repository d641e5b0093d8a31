package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	problemv1 "fuzoj/api/gen/problem/v1"

	"fuzoj/internal/common/cache"
	"fuzoj/internal/common/db"
	"fuzoj/internal/judge/catalog"
	"fuzoj/internal/judge/coremodel"
	"fuzoj/internal/judge/engine"
	"fuzoj/internal/judge/problemclient"
	"fuzoj/internal/judge/queue"
	sandboxengine "fuzoj/internal/judge/sandbox/engine"
	"fuzoj/internal/judge/sandbox/profile"
	"fuzoj/internal/judge/sandbox/runner"
	"fuzoj/internal/judge/sandbox/spec"
	"fuzoj/internal/judge/store"
	"fuzoj/pkg/utils/logger"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()
	dbProvider := db.NewManager(mysqlDB)

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	grpcConn, err := grpc.Dial(appCfg.Problem.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Error(context.Background(), "init problem grpc client failed", zap.Error(err))
		return
	}
	defer func() {
		_ = grpcConn.Close()
	}()
	problemClient := problemclient.NewClient(problemv1.NewProblemServiceClient(grpcConn))
	dataSource := catalog.NewSource(problemClient, appCfg.Catalog.DataRoot, languageConfigs(appCfg.Language.Languages, appCfg.Language.Profiles))

	localRepo := profile.NewLocalRepository(appCfg.Language.Languages, appCfg.Language.Profiles)
	sandboxEng, err := sandboxengine.NewEngine(appCfg.Sandbox.toEngineConfig(), localRepo)
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}
	jobRunner := runner.NewRunner(sandboxEng)
	judgeEngine := engine.New(jobRunner, appCfg.Judge.WorkDir)

	submissionStore := store.New(dbProvider, redisCache, appCfg.Judge.StoreTTL)

	handler := newTaskHandler(judgeEngine, submissionStore, dataSource)
	judgeQueue := queue.New(redisCache, appCfg.Queue.toQueueConfig(), handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	judgeQueue.Start(ctx)
	logger.Info(ctx, "judge worker started", zap.String("queueKey", appCfg.Queue.Key), zap.Int("concurrency", appCfg.Queue.Concurrency))

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")
	judgeQueue.Stop()
}

// languageConfigs flattens the sandbox profile catalog into the Judge
// Engine's language view, pulling each language's default limits from its
// "run" task profile.
func languageConfigs(specs []profile.LanguageSpec, profiles []profile.TaskProfile) []coremodel.LanguageConfig {
	runLimits := make(map[string]spec.ResourceLimit, len(profiles))
	for _, p := range profiles {
		if p.TaskType == profile.TaskTypeRun {
			runLimits[p.LanguageID] = p.DefaultLimits
		}
	}
	configs := make([]coremodel.LanguageConfig, 0, len(specs))
	for _, languageSpec := range specs {
		limits, ok := runLimits[languageSpec.ID]
		timeLimit := 1.0
		memLimit := int64(256)
		if ok {
			if limits.CPUTimeMs > 0 {
				timeLimit = float64(limits.CPUTimeMs) / 1000
			}
			if limits.MemoryMB > 0 {
				memLimit = limits.MemoryMB
			}
		}
		configs = append(configs, coremodel.LanguageConfig{
			Name:             languageSpec.ID,
			FileExt:          languageSpec.SourceFile,
			CompileCmd:       languageSpec.CompileCmdTpl,
			RunCmd:           languageSpec.RunCmdTpl,
			DefaultTimeLimit: timeLimit,
			DefaultMemLimit:  memLimit,
		})
	}
	return configs
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"gymhealth_checkout/internal/config"
	"gymhealth_checkout/internal/logging"
	"gymhealth_checkout/internal/models"
	"gymhealth_checkout/internal/services"
	"gymhealth_checkout/internal/tasks"
)

func main() {
	taskName := flag.String("task_name", "", "Name of the task (mandatory)")
	argsStr := flag.String("arguments", "{}", "JSON arguments for the task")
	dueStr := flag.String("due", "", "Due date (mandatory, format: 2006-01-02 15:04 or RFC3339)")
	taskType := flag.String("tasktype", "onetime", "Task type: onetime or recurring")
	recurring := flag.String("recurring", "", "RRULE for recurring tasks, e.g. FREQ=MINUTELY;INTERVAL=5")
	maxAttempt := flag.Int("max_attempt", 3, "Max attempts")
	flag.Parse()

	if *taskName == "" || *dueStr == "" {
		fmt.Println("Usage: schedule_task -task_name <name> -due <YYYY-MM-DD HH:MM> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	ctx := context.Background()
	cfg, err := config.Load(ctx)
	if err != nil {
		panic(err)
	}
	log := logging.MustNewLogger("gymhealth-schedule-task", cfg.Env)
	defer func() { _ = log.Sync() }()

	registry := tasks.NewRegistry()
	tasks.DefineTasks(registry)
	if _, ok := registry.Get(*taskName); !ok {
		log.Fatal("unknown task", zap.String("task", *taskName), zap.Strings("known", registry.Names()))
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(*argsStr), &args); err != nil {
		log.Fatal("invalid JSON arguments", zap.Error(err))
	}

	due, err := time.Parse(time.RFC3339, *dueStr)
	if err != nil {
		due, err = time.ParseInLocation("2006-01-02 15:04", *dueStr, time.Local)
		if err != nil {
			log.Fatal("invalid due date, use '2006-01-02 15:04' (local) or RFC3339", zap.Error(err))
		}
	}

	var recurringPtr *string
	if *recurring != "" {
		recurringPtr = recurring
	}
	task, err := tasks.BuildScheduledTask(*taskName, args, due, recurringPtr, models.ScheduledTaskType(*taskType), *maxAttempt)
	if err != nil {
		log.Fatal("invalid task", zap.Error(err))
	}

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.Database.URL, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.WithContext(ctx).Create(task).Error; err != nil {
		log.Fatal("failed to create task", zap.Error(err))
	}

	fmt.Printf("Successfully created task ID: %d\n", task.ID)
	fmt.Printf("Task: %s\nDue: %s\nType: %s\n", task.TaskName, task.Due, task.TaskType)
}

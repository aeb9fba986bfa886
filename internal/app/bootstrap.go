package app

import (
	"pollwatch/internal/config"
	"pollwatch/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type Settings = config.Settings

type ConfigManager = config.ConfigManager

var NewConfigManager = config.NewConfigManager

var SummarizeConfigChange = config.SummarizeConfigChange

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type TaskStats = supervisor.TaskStats

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/idfleet/idfleet/api/decomd/service"
	"github.com/idfleet/idfleet/cloud"
	"github.com/idfleet/idfleet/cmd"
	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/dns"
	"github.com/idfleet/idfleet/email"
	"github.com/idfleet/idfleet/fingerprint"
	"github.com/idfleet/idfleet/messaging"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const daemonName = "decomd"

var (
	log = logging.Logger(daemonName)

	config = &cmd.Config{
		Viper: viper.New(),
		Dir:   "." + daemonName,
		Name:  "config",
		Flags: map[string]cmd.Flag{
			"debug": {
				Key:      "log.debug",
				DefValue: false,
			},
			"logFile": {
				Key:      "log.file",
				DefValue: "${HOME}/." + daemonName + "/log",
			},
			"addrApi": {
				Key:      "addr.api",
				DefValue: "/ip4/127.0.0.1/tcp/8090",
			},
			"addrMongoUri": {
				Key:      "addr.mongo_uri",
				DefValue: "mongodb://127.0.0.1:27017",
			},
			"addrMongoName": {
				Key:      "addr.mongo_name",
				DefValue: "idfleet",
			},
			"hetznerToken": {
				Key:      "hetzner.token",
				DefValue: "",
			},
			"cloudflareKey": {
				Key:      "cloudflare.key",
				DefValue: "",
			},
			"cloudflareEmail": {
				Key:      "cloudflare.email",
				DefValue: "",
			},
			"cloudflareAccount": {
				Key:      "cloudflare.account",
				DefValue: "",
			},
			"fingerprintUrl": {
				Key:      "fingerprint.url",
				DefValue: "",
			},
			"fingerprintKey": {
				Key:      "fingerprint.key",
				DefValue: "",
			},
			"fingerprintRate": {
				Key:      "fingerprint.rate",
				DefValue: 2.0,
			},
			"chatWebhook": {
				Key:      "chat.webhook",
				DefValue: "",
			},
			"customerioApiKey": {
				Key:      "customerio.api_key",
				DefValue: "",
			},
			"customerioDigestTmpl": {
				Key:      "customerio.templates.digest",
				DefValue: "",
			},
			"customerioRecipients": {
				Key:      "customerio.recipients",
				DefValue: "",
			},
			"schedulerTick": {
				Key:      "scheduler.tick",
				DefValue: "@every 5m",
			},
			"schedulerDigest": {
				Key:      "scheduler.digest",
				DefValue: "0 9 * * *",
			},
			"schedulerDisable": {
				Key:      "scheduler.disable",
				DefValue: false,
			},
			"autoDecommission": {
				Key:      "decommission.auto",
				DefValue: false,
			},
			"suspendedDays": {
				Key:      "decommission.suspended_days",
				DefValue: 14,
			},
			"appealDays": {
				Key:      "decommission.appeal_days",
				DefValue: 30,
			},
			"inactiveDays": {
				Key:      "decommission.inactive_days",
				DefValue: 60,
			},
			"reminderDays": {
				Key:      "decommission.reminder_days",
				DefValue: 3,
			},
			"handlerTimeout": {
				Key:      "decommission.handler_timeout",
				DefValue: time.Minute * 5,
			},
		},
		EnvPre: "DECOM",
		Global: true,
	}
)

func init() {
	cobra.OnInitialize(cmd.InitConfig(config))
	cmd.InitConfigCmd(rootCmd, config.Viper, config.Dir)

	rootCmd.PersistentFlags().StringVar(
		&config.File,
		"config",
		"",
		"Config file (default ${HOME}/"+config.Dir+"/"+config.Name+".yml)")
	rootCmd.PersistentFlags().BoolP(
		"debug",
		"d",
		config.Flags["debug"].DefValue.(bool),
		"Enable debug logging")
	rootCmd.PersistentFlags().String(
		"logFile",
		config.Flags["logFile"].DefValue.(string),
		"Write logs to file")

	// Address settings
	rootCmd.PersistentFlags().String(
		"addrApi",
		config.Flags["addrApi"].DefValue.(string),
		"HTTP API listen address")
	rootCmd.PersistentFlags().String(
		"addrMongoUri",
		config.Flags["addrMongoUri"].DefValue.(string),
		"MongoDB connection URI")
	rootCmd.PersistentFlags().String(
		"addrMongoName",
		config.Flags["addrMongoName"].DefValue.(string),
		"MongoDB database name")

	// Provider settings
	rootCmd.PersistentFlags().String(
		"hetznerToken",
		config.Flags["hetznerToken"].DefValue.(string),
		"Hetzner Cloud API token")
	rootCmd.PersistentFlags().String(
		"cloudflareKey",
		config.Flags["cloudflareKey"].DefValue.(string),
		"Cloudflare API key")
	rootCmd.PersistentFlags().String(
		"cloudflareEmail",
		config.Flags["cloudflareEmail"].DefValue.(string),
		"Cloudflare account email")
	rootCmd.PersistentFlags().String(
		"cloudflareAccount",
		config.Flags["cloudflareAccount"].DefValue.(string),
		"Cloudflare account ID holding registrar domains")
	rootCmd.PersistentFlags().String(
		"fingerprintUrl",
		config.Flags["fingerprintUrl"].DefValue.(string),
		"Browser profile provider API URL")
	rootCmd.PersistentFlags().String(
		"fingerprintKey",
		config.Flags["fingerprintKey"].DefValue.(string),
		"Browser profile provider API key")
	rootCmd.PersistentFlags().Float64(
		"fingerprintRate",
		config.Flags["fingerprintRate"].DefValue.(float64),
		"Max requests per second to the browser profile provider")

	// Notification settings
	rootCmd.PersistentFlags().String(
		"chatWebhook",
		config.Flags["chatWebhook"].DefValue.(string),
		"Chat incoming webhook URL")
	rootCmd.PersistentFlags().String(
		"customerioApiKey",
		config.Flags["customerioApiKey"].DefValue.(string),
		"Customer.io API key")
	rootCmd.PersistentFlags().String(
		"customerioDigestTmpl",
		config.Flags["customerioDigestTmpl"].DefValue.(string),
		"Template ID for digest emails")
	rootCmd.PersistentFlags().String(
		"customerioRecipients",
		config.Flags["customerioRecipients"].DefValue.(string),
		"Comma-separated digest email recipients")

	// Scheduler settings
	rootCmd.PersistentFlags().String(
		"schedulerTick",
		config.Flags["schedulerTick"].DefValue.(string),
		"Cron spec for the schedule, remind and execute pass")
	rootCmd.PersistentFlags().String(
		"schedulerDigest",
		config.Flags["schedulerDigest"].DefValue.(string),
		"Cron spec for the daily digest")
	rootCmd.PersistentFlags().Bool(
		"schedulerDisable",
		config.Flags["schedulerDisable"].DefValue.(bool),
		"Disable the background scheduler")

	// Default decommission settings
	rootCmd.PersistentFlags().Bool(
		"autoDecommission",
		config.Flags["autoDecommission"].DefValue.(bool),
		"Automatically schedule candidates")
	rootCmd.PersistentFlags().Int(
		"suspendedDays",
		config.Flags["suspendedDays"].DefValue.(int),
		"Days suspended before an identity becomes a candidate")
	rootCmd.PersistentFlags().Int(
		"appealDays",
		config.Flags["appealDays"].DefValue.(int),
		"Days in appeal before an identity becomes a candidate")
	rootCmd.PersistentFlags().Int(
		"inactiveDays",
		config.Flags["inactiveDays"].DefValue.(int),
		"Days inactive before an identity becomes a candidate")
	rootCmd.PersistentFlags().Int(
		"reminderDays",
		config.Flags["reminderDays"].DefValue.(int),
		"Days between scheduling and execution")
	rootCmd.PersistentFlags().Duration(
		"handlerTimeout",
		config.Flags["handlerTimeout"].DefValue.(time.Duration),
		"Timeout for each resource cleanup")

	err := cmd.BindFlags(config.Viper, rootCmd, config.Flags)
	cmd.ErrCheck(err)
}

func main() {
	cmd.ErrCheck(rootCmd.Execute())
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "Decommission daemon",
	Long:  `The identity decommission daemon.`,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		config.Viper.SetConfigType("yaml")
		cmd.ExpandConfigVars(config.Viper, config.Flags)

		if config.Viper.GetBool("log.debug") {
			err := util.SetLogLevels(map[string]logging.LogLevel{
				daemonName: logging.LevelDebug,
			})
			cmd.ErrCheck(err)
		}
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(config.Viper.AllSettings(), "", "  ")
		cmd.ErrCheck(err)
		log.Debugf("loaded config: %s", string(settings))

		logFile := config.Viper.GetString("log.file")
		err = util.SetupDefaultLoggingConfig(logFile)
		cmd.ErrCheck(err)

		defaults := decommission.DefaultConfig()
		defaults.AutoDecommission = config.Viper.GetBool("decommission.auto")
		defaults.SuspendedDays = config.Viper.GetInt("decommission.suspended_days")
		defaults.AppealDays = config.Viper.GetInt("decommission.appeal_days")
		defaults.InactiveDays = config.Viper.GetInt("decommission.inactive_days")
		defaults.ReminderDays = config.Viper.GetInt("decommission.reminder_days")
		defaults.HandlerTimeout = config.Viper.GetDuration("decommission.handler_timeout")
		defaults.Notify.Email = config.Viper.GetString("customerio.api_key") != ""

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		api, err := service.NewService(ctx, service.Config{
			ListenAddr: cmd.AddrFromStr(config.Viper.GetString("addr.api")),
			DBURI:      config.Viper.GetString("addr.mongo_uri"),
			DBName:     config.Viper.GetString("addr.mongo_name"),
			Defaults:   defaults,
			Scheduler: decommission.SchedulerConfig{
				TickSchedule:   config.Viper.GetString("scheduler.tick"),
				DigestSchedule: config.Viper.GetString("scheduler.digest"),
			},
			DisableScheduler: config.Viper.GetBool("scheduler.disable"),
			Hetzner: cloud.Config{
				Token: config.Viper.GetString("hetzner.token"),
			},
			Cloudflare: dns.Config{
				APIKey:    config.Viper.GetString("cloudflare.key"),
				Email:     config.Viper.GetString("cloudflare.email"),
				AccountID: config.Viper.GetString("cloudflare.account"),
			},
			Fingerprint: fingerprint.Config{
				URL:               config.Viper.GetString("fingerprint.url"),
				APIKey:            config.Viper.GetString("fingerprint.key"),
				RequestsPerSecond: config.Viper.GetFloat64("fingerprint.rate"),
			},
			Chat: messaging.Config{
				WebhookURL: config.Viper.GetString("chat.webhook"),
			},
			Email: email.Config{
				APIKey:     config.Viper.GetString("customerio.api_key"),
				DigestTmpl: config.Viper.GetString("customerio.templates.digest"),
				Recipients: config.Viper.GetString("customerio.recipients"),
			},
			Debug: config.Viper.GetBool("log.debug"),
		})
		cmd.ErrCheck(err)

		err = api.Start()
		cmd.ErrCheck(err)

		fmt.Println("Decommission daemon started.")

		cmd.HandleInterrupt(func() {
			if err := api.Stop(); err != nil {
				fmt.Println(err.Error())
			}
		})
	},
}

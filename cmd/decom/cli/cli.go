package cli

import (
	"runtime"
	"strings"

	"github.com/idfleet/idfleet/api/decomd/client"
	"github.com/idfleet/idfleet/cmd"
	aurora2 "github.com/logrusorgru/aurora"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const Name = "decom"

var aurora = aurora2.NewAurora(runtime.GOOS != "windows")

var (
	config = &cmd.Config{
		Viper: viper.New(),
		Dir:   ".decom",
		Name:  "config",
		Flags: map[string]cmd.Flag{
			"api": {
				Key:      "api",
				DefValue: "127.0.0.1:8090",
			},
			"operator": {
				Key:      "operator",
				DefValue: "",
			},
		},
		EnvPre: strings.ToUpper(Name),
		Global: true,
	}

	decom *client.Client
)

func Init(rootCmd *cobra.Command) {
	config.Viper.SetConfigType("yaml")

	rootCmd.AddCommand(
		lsCmd,
		getCmd,
		startCmd,
		executeCmd,
		cancelCmd,
		retryCmd,
		banCmd,
		candidatesCmd,
	)
	cmd.InitConfigCmd(rootCmd, config.Viper, config.Dir)

	cobra.OnInitialize(cmd.InitConfig(config))
	rootCmd.PersistentFlags().StringVar(
		&config.File,
		"config",
		"",
		"Config file (default ${HOME}/"+config.Dir+"/"+config.Name+".yml)")
	rootCmd.PersistentFlags().String(
		"api",
		config.Flags["api"].DefValue.(string),
		"API target")
	rootCmd.PersistentFlags().String(
		"operator",
		config.Flags["operator"].DefValue.(string),
		"Operator name recorded on jobs you trigger")

	lsCmd.Flags().StringP("status", "s", "", "Only list jobs with this status")
	startCmd.Flags().String("job-type", "archive", "Job type (archive or delete)")
	startCmd.Flags().Duration("in", 0, "Schedule execution after this long instead of leaving the job unscheduled")
	for _, c := range []*cobra.Command{executeCmd, cancelCmd, retryCmd, banCmd} {
		c.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	}

	err := cmd.BindFlags(config.Viper, rootCmd, config.Flags)
	cmd.ErrCheck(err)

	rootCmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		cmd.ExpandConfigVars(config.Viper, config.Flags)
		var err error
		decom, err = client.NewClient(config.Viper.GetString("api"))
		cmd.ErrCheck(err)
	}
	rootCmd.PersistentPostRun = func(c *cobra.Command, args []string) {
		if decom != nil {
			cmd.ErrCheck(decom.Close())
		}
	}
}

func operator() string {
	if op := config.Viper.GetString("operator"); op != "" {
		return op
	}
	return Name + "-cli"
}

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/go-homedir"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Timeout is the default deadline for CLI requests.
var Timeout = time.Minute

// Config describes a viper-backed config file and its flags.
type Config struct {
	Viper  *viper.Viper
	File   string
	Dir    string
	Name   string
	Flags  map[string]Flag
	EnvPre string
	Global bool
}

// Flag binds a command line flag to a config key.
type Flag struct {
	Key      string
	DefValue interface{}
}

func InitConfigCmd(rootCmd *cobra.Command, v *viper.Viper, dir string) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Config utils",
		Long:  `Config file utilities.`,
	}
	rootCmd.AddCommand(configCmd)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create config",
		Long:  `Create a config file.`,
		Run: func(c *cobra.Command, args []string) {
			WriteConfig(c, v, dir)
		},
	}
	configCmd.AddCommand(createCmd)
	createCmd.Flags().String(
		"dir",
		"",
		"Directory to write config (default ${HOME}/"+dir+")")
}

const maxSearchHeight = 50

// InitConfig searches the working directory and its parents for a config
// dir, falling back to the home dir when the config is global.
func InitConfig(conf *Config) func() {
	return func() {
		found := false
		pre := "."
		h := 1
		for h <= maxSearchHeight && !found {
			found = initConfig(conf.Viper, conf.File, pre, conf.Dir, conf.Name, conf.EnvPre, conf.Global)
			pre = filepath.Join("../", pre)
			h++
		}
	}
}

func initConfig(v *viper.Viper, file, pre, cdir, name, envPre string, global bool) bool {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(filepath.Join(pre, cdir)) // local config takes priority
		if global {
			home, err := homedir.Dir()
			if err != nil {
				panic(err)
			}
			v.AddConfigPath(filepath.Join(home, cdir))
		}
		v.SetConfigName(name)
	}

	v.SetEnvPrefix(envPre)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && strings.Contains(err.Error(), "Not Found") {
		return false
	}
	return true
}

func WriteConfig(c *cobra.Command, v *viper.Viper, name string) {
	var dir string
	if !c.Flag("dir").Changed {
		home, err := homedir.Dir()
		ErrCheck(err)
		dir = filepath.Join(home, name)
		err = os.MkdirAll(dir, os.ModePerm)
		ErrCheck(err)
	} else {
		dir = c.Flag("dir").Value.String()
	}

	filename := filepath.Join(dir, "config.yml")
	if _, err := os.Stat(filename); err == nil {
		Fatal(fmt.Errorf("%s already exists", filename))
	}
	err := v.WriteConfigAs(filename)
	ErrCheck(err)
	Success("Wrote %s", filename)
}

func BindFlags(v *viper.Viper, root *cobra.Command, flags map[string]Flag) error {
	for n, f := range flags {
		if err := v.BindPFlag(f.Key, root.PersistentFlags().Lookup(n)); err != nil {
			return err
		}
		v.SetDefault(f.Key, f.DefValue)
	}
	return nil
}

func ExpandConfigVars(v *viper.Viper, flags map[string]Flag) {
	for _, f := range flags {
		if f.Key != "" {
			if str, ok := v.Get(f.Key).(string); ok {
				v.Set(f.Key, os.ExpandEnv(str))
			}
		}
	}
}

func AddrFromStr(str string) ma.Multiaddr {
	addr, err := ma.NewMultiaddr(str)
	ErrCheck(err)
	return addr
}

// HandleInterrupt blocks until SIGINT or SIGTERM, runs stop and exits.
func HandleInterrupt(stop func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	fmt.Println("Gracefully stopping... (press Ctrl+C again to force)")
	stop()
	os.Exit(1)
}

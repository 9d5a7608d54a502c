package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"

	"github.com/denveloper/Consus/kv/config"
	"github.com/denveloper/Consus/kv/daemon"
	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/lockrep"
	"github.com/denveloper/Consus/kv/replicaset"
)

var (
	configPath = flag.String("config", "", "config file path")
	listenAddr = flag.String("addr", "", "listen address")
	commId     = flag.Uint64("id", 0, "this daemon's comm id")
	dcId       = flag.Uint64("dc", 0, "this daemon's data center id")
)

var (
	gitHash = "None"
)

func main() {
	flag.Parse()
	conf := loadConfig()
	if *listenAddr != "" {
		conf.ListenAddr = *listenAddr
	}
	if *commId == 0 {
		log.Fatal("a nonzero -id is required")
	}
	log.Info("gitHash:", gitHash)
	log.SetLevelByString(conf.LogLevel)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	config.SetGlobalConf(conf)
	lockrep.SetDebugMode(conf.DebugMode)

	d := daemon.NewDaemon(conf, ident.CommId(*commId), replicaset.DCId(*dcId))
	if err := d.Start(); err != nil {
		log.Fatal(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("Got signal [%s] to exit.", sig)
	d.Stop()
	log.Info("Server stopped.")
}

func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		_, err := toml.DecodeFile(*configPath, conf)
		if err != nil {
			panic(err)
		}
	}
	if err := conf.Validate(); err != nil {
		log.Fatal(err)
	}
	return conf
}

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	pandabox "github.com/MaxIV-KitsControls/sardana-pandabox"
	"github.com/MaxIV-KitsControls/sardana-pandabox/internal/runjournal"
	"github.com/oklog/ulid/v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("host", "pandabox")
	viper.SetDefault("pcapenable", "PCOMP2.OUT")
	viper.SetDefault("pcapgate", "LUT1.OUT")
	viper.SetDefault("pcaptrig", "LUT1.OUT")
	viper.SetDefault("framedir", "")

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotPandabox := filepath.Join(HOME, ".pandabox")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotPandabox, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/pandabox"))
	viper.AddConfigPath(dotPandabox)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	pandabox.Build.Date = buildDate
	pandabox.Build.Githash = githash
	pandabox.Build.Gitdate = gitdate
	pandabox.Build.Summary = fmt.Sprintf("pandaboxd version %s (git commit %s of %s)",
		pandabox.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		pandabox.Build.Host = host
	} else {
		pandabox.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("pingdb", false, "check the run journal database and quit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is pandaboxd version %s\n", pandabox.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}
	if *pingDB {
		if err := runjournal.PingServer(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is pandaboxd version %s (git commit %s)\n",
		pandabox.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".pandabox", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	pandabox.ProblemLogger = startLogger(problemname)
	pandabox.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	pandabox.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	host := viper.GetString("host")
	panda := pandabox.NewPandA(host)
	if err := panda.Connect(); err != nil {
		log.Fatalf("Unable to connect to PandABox %q: %v", host, err)
	}
	defer panda.Disconnect()
	stream := pandabox.NewStreamReader(host)
	if err := stream.Connect(); err != nil {
		log.Fatalf("Unable to open the PandABox data stream on %q: %v", host, err)
	}
	defer stream.Close()

	hwTrig := pandabox.HardwareTriggerConfig{
		Enable: viper.GetString("pcapenable"),
		Gate:   viper.GetString("pcapgate"),
		Trig:   viper.GetString("pcaptrig"),
	}
	controller := pandabox.NewAcquisitionController(panda, stream, hwTrig)

	abort := make(chan struct{})
	activity := &runjournal.ServerActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  pandabox.Build.Host,
		Appliance: host,
		Githash:   githash,
		Version:   pandabox.Build.Version,
		GoVersion: runtime.Version(),
		Start:     pandabox.ServerStartTime,
	}
	journal := runjournal.StartConnection(activity, abort)

	messageChan := make(chan pandabox.ClientUpdate, 10)
	go pandabox.RunClientUpdater(messageChan, abort, pandabox.Ports.Status)
	pandabox.RunRPCServer(controller, journal, messageChan, pandabox.Ports.RPC)
	close(abort)
}

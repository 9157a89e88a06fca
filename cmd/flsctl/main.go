package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/amrbekhit/fls"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var commands = map[string]func(*session, []string){
	"crc":        processCRC,
	"info":       processInfo,
	"erase":      processErase,
	"write":      processWrite,
	"read":       processRead,
	"compare":    processCompare,
	"blankcheck": processBlankCheck,
	"linkreset":  processLinkReset,
}

const appVersion = "1.0.2"

// session holds the driver stack built from the command line.
type session struct {
	profile *fls.Profile
	driver  *fls.Driver
	flash   *fls.InternalFlash
	links   []fls.FlashLink
	image   string
	dirty   bool
}

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	profile := flag.String("profile", "", "Driver profile yaml file.")
	image := flag.String("image", "flash.bin", "File holding the internal flash contents.")
	port := flag.String("port", "", "Comma separated serial ports, one per external unit.")
	baud := flag.Int("baud", 115200, "Baud rate.")
	fast := flag.Bool("fast", false, "Use the fast mode byte quotas.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	before := flag.String("before", "", "Command to run before programming.")
	after := flag.String("after", "", "Command to run after programming has been completed successfully.")

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	sort.Strings(cmdList)
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Range commands have the following usage: cmdname addr length, e.g. erase 0x1000 0x1000\n"+
		"Data commands have the following usage: cmdname addr datafile, e.g. write 0x1000 datafile\n"+
		"read accepts an optional third argument naming an Intel HEX output file.\n"+
		"Without a command the single argument is a hex file to program.",
		cmdList))

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nExample profile:\n\n%s", exampleProfile())
	}

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	fls.SetLogger(log.StandardLogger())

	if *profile == "" {
		log.Fatal("must specify a profile file")
	}
	f, err := os.Open(*profile)
	if err != nil {
		log.Fatalf("failed to open profile file: %v", err)
	}
	p, err := fls.LoadProfile(f)
	f.Close()
	if err != nil {
		log.Fatalf("invalid profile: %v", err)
	}

	s := &session{profile: p, image: *image}

	if *command == "crc" {
		processCRC(s, flag.Args())
		return
	}

	if err := s.open(*port, *baud); err != nil {
		log.Fatal(err)
	}
	defer s.close()
	if *fast {
		if err := s.driver.SetMode(fls.ModeFast); err != nil {
			log.Fatal(err)
		}
	}

	switch {
	case *command != "":
		// Run a single command
		f, ok := commands[*command]
		if !ok {
			log.Fatalf("invalid command %v", *command)
		}
		f(s, flag.Args())

	default:
		// Try and program a hex file
		if len(flag.Args()) != 1 {
			log.Fatalf("must specify hex file to program")
		}

		// Run the before command
		if *before != "" {
			log.Infof("running before command...")
			if err := exec.Command(*before).Run(); err != nil {
				log.Fatalf("failed to run before command: %v", err)
			}
		}

		prog := fls.NewImageProgrammer(s.driver, fls.WithProgress(func(stage string, done, total int) {
			log.Debugf("%s: %d/%d", stage, done, total)
		}))

		file, err := os.Open(flag.Args()[0])
		if err != nil {
			log.Fatal(err)
		}
		defer file.Close()

		if err := prog.LoadHex(file); err != nil {
			log.Fatal(err)
		}
		log.Infof("hex file loaded")

		log.Infof("programming...")
		s.dirty = true
		if err := prog.Program(); err != nil {
			s.close()
			log.Fatal(err)
		}

		log.Infof("verifying...")
		if err := prog.Verify(); err != nil {
			s.close()
			log.Fatal(err)
		}
		log.Infof("complete")

		// Run the after command
		if *after != "" {
			log.Infof("running after command...")
			if err := exec.Command(*after).Run(); err != nil {
				log.Fatalf("failed to run after command: %v", err)
			}
		}
	}
}

// open builds the internal flash from the image file, the external links and
// the driver, then initialises the driver with the profile.
func (s *session) open(ports string, baud int) error {
	cfg := &s.profile.Config

	s.flash = fls.NewInternalFlash(internalSize(cfg))
	if data, err := os.ReadFile(s.image); err == nil {
		if err := s.flash.LoadImage(bytes.NewReader(data)); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read flash image: %v", err)
	}

	var external fls.LLD
	if len(cfg.Units) > 0 {
		if ports == "" {
			return fmt.Errorf("profile has %d external units, must specify port", len(cfg.Units))
		}
		for _, name := range strings.Split(ports, ",") {
			s.links = append(s.links, fls.NewSerialLink(strings.TrimSpace(name), baud))
		}
		external = fls.NewExternalFlash(s.links...)
	}

	cfg.JobEndNotification = func() { log.Debugf("job finished") }
	cfg.JobErrorNotification = func() { log.Warnf("job failed") }

	s.driver = fls.New(s.flash, external, fls.WithFeatures(s.profile.Features))
	if err := s.driver.Init(cfg); err != nil {
		return fmt.Errorf("failed to initialise driver: %v", err)
	}
	return nil
}

// close saves the internal flash if a command may have changed it.
func (s *session) close() {
	for _, l := range s.links {
		l.Disconnect()
	}
	s.links = nil
	if !s.dirty {
		return
	}
	s.dirty = false
	var buf bytes.Buffer
	if err := s.flash.SaveImage(&buf); err != nil {
		log.Errorf("%v", err)
		return
	}
	if err := os.WriteFile(s.image, buf.Bytes(), 0644); err != nil {
		log.Errorf("failed to save flash image: %v", err)
	}
}

// internalSize returns the smallest array holding every internal sector.
func internalSize(cfg *fls.ConfigSet) uint32 {
	size := uint32(0)
	for i, sec := range cfg.Sectors {
		if sec.Channel != fls.ChannelInternal {
			continue
		}
		if end := sec.PhysicalAddress + cfg.SectorSize(i); end > size {
			size = end
		}
	}
	return size
}

// exampleProfile formats a small profile in YAML format as an example.
func exampleProfile() string {
	p := fls.Profile{
		Features: fls.DefaultFeatures(),
		Config: fls.ConfigSet{
			Sectors: []fls.Sector{
				{EndAddress: 0x0FFF, PageSize: 8, PhysicalBlocks: 1, Unlock: true},
				{EndAddress: 0x1FFF, PhysicalAddress: 0x1000, PageSize: 8, PhysicalBlocks: 2, Async: true, Unlock: true},
			},
			MaxReadFastMode:    1024,
			MaxReadNormalMode:  256,
			MaxWriteFastMode:   256,
			MaxWriteNormalMode: 64,
		},
	}
	p.Config.ConfigCRC = fls.ComputeConfigCRC(&p.Config)
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(p)
	return buf.String()
}

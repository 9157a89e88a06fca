package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"

	"github.com/amrbekhit/fls"
	log "github.com/sirupsen/logrus"
)

func processCRC(s *session, args []string) {
	crc := fls.ComputeConfigCRC(&s.profile.Config)
	fmt.Printf("computed crc: %04X\n", crc)
	fmt.Printf("profile crc:  %04X\n", s.profile.Config.ConfigCRC)
	if crc != s.profile.Config.ConfigCRC {
		log.Warnf("profile crc does not match, set crc: 0x%04X", crc)
	}
}

func processInfo(s *session, args []string) {
	ver := s.driver.GetVersionInfo()
	log.Infof("version info: %+v", ver)
	log.Infof("status: %v, last job: %v", s.driver.GetStatus(), s.driver.GetJobResult())

	cfg := &s.profile.Config
	for i, sec := range cfg.Sectors {
		fmt.Printf("sector %3d: %08X-%08X %-8v phys %08X page %d\n",
			i, cfg.SectorStartAddr(i), cfg.SectorEndAddr(i), sec.Channel, sec.PhysicalAddress, sec.PageSize)
	}
	for i, l := range s.links {
		info, err := l.GetVersion()
		if err != nil {
			log.Fatalf("failed to read unit %d version: %v", i, err)
		}
		log.Infof("unit %d: %+v", i, info)
	}
}

func getAddrAndLen(args []string) (uint32, uint32) {
	if len(args) < 2 {
		log.Fatalf("expected: addr len")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	len, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		log.Fatalf("invalid length: %v", err)
	}
	return uint32(addr), uint32(len)
}

func getAddrAndData(args []string) (uint32, []byte) {
	if len(args) != 2 {
		log.Fatalf("expected: addr datafile")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}
	data, err := ioutil.ReadFile(args[1])
	if err != nil {
		log.Fatalf("failed to read data file: %v", err)
	}
	return uint32(addr), data
}

// runJob submits a job, drives it to completion and fails on any result
// other than JobOk.
func runJob(s *session, what string, submit func() error) {
	res, err := fls.RunJob(s.driver, submit, 1<<22)
	if err != nil {
		s.close()
		log.Fatalf("failed to %s: %v", what, err)
	}
	if res != fls.JobOk {
		s.close()
		log.Fatalf("failed to %s: %v", what, res)
	}
}

func processErase(s *session, args []string) {
	addr, length := getAddrAndLen(args)
	s.dirty = true
	runJob(s, "erase", func() error { return s.driver.Erase(addr, length) })
}

func processWrite(s *session, args []string) {
	addr, data := getAddrAndData(args)
	s.dirty = true
	runJob(s, "write", func() error { return s.driver.Write(addr, data, uint32(len(data))) })
}

func processRead(s *session, args []string) {
	addr, length := getAddrAndLen(args)
	if len(args) == 3 {
		out, err := os.Create(args[2])
		if err != nil {
			log.Fatalf("failed to create output file: %v", err)
		}
		defer out.Close()
		if err := fls.NewImageProgrammer(s.driver).Dump(out, addr, length); err != nil {
			log.Fatal(err)
		}
		return
	}
	data := make([]byte, length)
	runJob(s, "read", func() error { return s.driver.Read(addr, data, length) })
	fmt.Print(hex.Dump(data))
}

func processCompare(s *session, args []string) {
	addr, data := getAddrAndData(args)
	res, err := fls.RunJob(s.driver, func() error {
		return s.driver.Compare(addr, data, uint32(len(data)))
	}, 1<<22)
	if err != nil {
		log.Fatalf("failed to compare: %v", err)
	}
	fmt.Printf("compare: %v\n", res)
}

func processBlankCheck(s *session, args []string) {
	addr, length := getAddrAndLen(args)
	res, err := fls.RunJob(s.driver, func() error { return s.driver.BlankCheck(addr, length) }, 1<<22)
	if err != nil {
		log.Fatalf("failed to blank check: %v", err)
	}
	fmt.Printf("blank check: %v\n", res)
}

func processLinkReset(s *session, args []string) {
	if len(s.links) == 0 {
		log.Fatalf("no external units configured")
	}
	for i, l := range s.links {
		if err := l.Reset(); err != nil {
			log.Fatalf("failed to reset unit %d: %v", i, err)
		}
	}
}

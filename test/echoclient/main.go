package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/TunTCP/config"
	"github.com/Clouded-Sabre/TunTCP/lib"
	"github.com/Clouded-Sabre/TunTCP/link"
)

func main() {
	sourceIP := flag.String("sourceIP", "", "Source IP address (defaults to localIP from config)")
	serverIP := flag.String("serverIP", "192.168.100.2", "Server IP address")
	serverPort := flag.Int("serverPort", 8901, "Server port")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	lib.SetLogLevel(config.AppConfig.LogLevel)

	if *sourceIP == "" {
		*sourceIP = config.AppConfig.LocalIP
	}

	var lnk link.Link
	switch config.AppConfig.LinkType {
	case "tun":
		lnk, err = link.NewTunLink(config.AppConfig.TunName, config.AppConfig.MTU)
	case "rawip":
		lnk, err = link.NewRawIPLink(config.AppConfig.LocalIP, config.AppConfig.MTU)
	}
	if err != nil {
		log.Fatalln("Link error:", err)
	}

	coreConfig := &lib.TcpCoreConfig{
		PayloadPoolSize:      config.AppConfig.PayloadPoolSize,
		PreferredMSS:         config.AppConfig.PreferredMSS,
		Debug:                config.AppConfig.Debug,
		PoolDebug:            config.AppConfig.PoolDebug,
		ProcessTimeThreshold: config.AppConfig.ProcessTimeThreshold,
		FilterName:           config.AppConfig.FilterName,
		EphemeralPortLower:   config.AppConfig.EphemeralPortLower,
		EphemeralPortUpper:   config.AppConfig.EphemeralPortUpper,
		ConnConfig: &lib.ConnectionConfig{
			WindowSize:   uint16(config.AppConfig.RecvWindowSize),
			PreferredMSS: config.AppConfig.PreferredMSS,
			MSL:          time.Duration(config.AppConfig.MslSeconds) * time.Second,
			DialTimeout:  time.Duration(config.AppConfig.DialTimeout) * time.Second,
		},
	}
	tcpCore, err := lib.NewTcpCore(coreConfig, lnk)
	if err != nil {
		log.Fatalln("Error starting TCP core:", err)
	}
	defer tcpCore.Close()

	conn, err := tcpCore.DialTcp(*sourceIP, *serverIP, uint16(*serverPort))
	if err != nil {
		log.Fatalln("Dial error:", err)
	}
	log.Printf("Connected to %s\n", conn.RemoteAddr())

	// Stop cleanly on Ctrl-C so the server sees our FIN.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Interrupted, closing connection")
		conn.Close()
	}()

	go func() {
		buf := make([]byte, config.AppConfig.PreferredMSS)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if err == io.EOF {
					log.Println("Connection closed by server")
				} else {
					log.Println("Read error:", err)
				}
				return
			}
			log.Printf("Echo reply: %s", string(buf[:n]))
		}
	}()

	for i := 0; ; i++ {
		message := fmt.Sprintf("Echo message %d", i)
		if _, err := conn.Write([]byte(message)); err != nil {
			log.Println("Write error:", err)
			return
		}
		time.Sleep(*packetInterval)
	}
}

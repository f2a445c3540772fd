package main

import (
	"flag"
	"io"
	"log"
	"time"

	"github.com/Clouded-Sabre/TunTCP/config"
	"github.com/Clouded-Sabre/TunTCP/lib"
	"github.com/Clouded-Sabre/TunTCP/link"
)

func main() {
	serviceIP := flag.String("serviceIP", "", "Service IP address to listen on (defaults to localIP from config)")
	port := flag.Int("port", 8901, "Service port")
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	lib.SetLogLevel(config.AppConfig.LogLevel)

	if *serviceIP == "" {
		*serviceIP = config.AppConfig.LocalIP
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

	srv, err := tcpCore.ListenTcp(*serviceIP, uint16(*port))
	if err != nil {
		log.Fatalln("Listen error:", err)
	}

	log.Printf("Echo server listening on %s:%d\n", *serviceIP, *port)

	for {
		conn, err := srv.Accept()
		if err != nil {
			log.Println("Accept error:", err)
			return
		}
		log.Printf("New connection from %s\n", conn.RemoteAddr())
		go handleConn(conn)
	}
}

func handleConn(c *lib.Connection) {
	defer c.Close()
	buf := make([]byte, config.AppConfig.PreferredMSS)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Println("Connection closed by client")
				return
			}
			log.Println("Read error:", err)
			return
		}
		log.Printf("Echo server got: %s", string(buf[:n]))
		if _, err = c.Write(buf[:n]); err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}

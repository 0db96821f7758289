package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"meshbank/internal/cluster"
	"meshbank/internal/command"
	"meshbank/internal/config"
	"meshbank/internal/netx"
	"meshbank/internal/protocol"
	"meshbank/internal/site"
	"meshbank/internal/snapshot"
	"meshbank/internal/store"
	"meshbank/internal/web"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		id       int
		port     uint16
		peersCSV string
		dbPath   string
		httpAddr string
	)
	cmd := &cobra.Command{
		Use:   "meshbank",
		Short: "run one site of the peer-to-peer banking ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var peers []string
			if peersCSV != "" {
				peers = strings.Split(peersCSV, ",")
			}
			return run(id, port, peers, dbPath, httpAddr)
		},
		SilenceUsage: true,
	}
	cmd.Flags().IntVar(&id, "id", 0, "site id (0 derives one from the process id)")
	cmd.Flags().Uint16Var(&port, "port", 0, "listen port (0 scans the configured range for a free one)")
	cmd.Flags().StringVar(&peersCSV, "peers", "", "comma-separated list of peer addresses (ip:port)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP API listen address (overrides config)")
	return cmd
}

func run(id int, port uint16, peers []string, dbPath, httpAddr string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if port == 0 {
		port, err = scanFreePort(cfg.Host, cfg.PortScanStart, cfg.PortScanEnd)
		if err != nil {
			return err
		}
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	// A restarted site keeps its identity and clock.
	siteID := protocol.DeriveSiteID(id)
	var st *site.State
	if savedID, savedClock, ok, err := db.LoadLocalState(); err != nil {
		return err
	} else if ok {
		log.Infof("recovered site %s from local state", savedID)
		st = site.NewStateWithClock(savedID, addr, savedClock)
	} else {
		st = site.NewState(siteID, addr)
	}

	node := cluster.NewNode(st, db, netx.NewTCP(), cfg.SnapshotDir)
	cmds := command.New(st, db, node)
	node.Bind(cmds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		srv := web.NewServer(cfg.HTTPAddr, node, cmds, db)
		go func() {
			log.Infof("http api listening on %s", cfg.HTTPAddr)
			if err := srv.Start(); err != nil {
				log.Errorf("http server: %v", err)
			}
		}()
	}

	node.Announce(cfg.Host, cfg.PortScanStart, cfg.PortScanEnd)
	node.AnnounceTo(peers...)

	// Give late binders a moment to answer before the prompt appears.
	time.Sleep(time.Second)

	fmt.Printf("site %s listening on %s\n", st.ID(), addr)
	fmt.Println("Welcome to meshbank, type /help for the command list.")

	repl(ctx, node, cmds, db, st)

	node.Disconnect()
	if err := db.SaveLocalState(st.ID(), st.ClockSnapshot()); err != nil {
		log.Errorf("save local state: %v", err)
	}
	time.Sleep(200 * time.Millisecond) // let in-flight sends drain
	return nil
}

// scanFreePort binds the first free port in the range and releases it for
// the real listener.
func scanFreePort(host string, start, end uint16) (uint16, error) {
	for p := start; p <= end; p++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", start, end)
}

// console owns stdin: the reader goroutine is the only scanner, and the
// field prompts drain the same line channel as the command loop.
type console struct {
	ctx   context.Context
	lines chan string
}

func newConsole(ctx context.Context) *console {
	c := &console{ctx: ctx, lines: make(chan string)}
	go func() {
		defer close(c.lines)
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			select {
			case c.lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return c
}

// readLine blocks for the next input line; ok is false on EOF or
// cancellation.
func (c *console) readLine() (string, bool) {
	select {
	case <-c.ctx.Done():
		return "", false
	case line, ok := <-c.lines:
		return strings.TrimSpace(line), ok
	}
}

func repl(ctx context.Context, node *cluster.Node, cmds *command.Commands, db *store.Store, st *site.State) {
	con := newConsole(ctx)

	prompt := func() { fmt.Print("> ") }
	prompt()
	for {
		line, ok := con.readLine()
		if !ok {
			fmt.Println()
			return
		}
		if line == "/quit" {
			fmt.Println("bye")
			return
		}
		handleLine(con, line, node, cmds, db, st)
		if err := db.SaveLocalState(st.ID(), st.ClockSnapshot()); err != nil {
			log.Errorf("save local state: %v", err)
		}
		prompt()
	}
}

func handleLine(con *console, line string, node *cluster.Node, cmds *command.Commands, db *store.Store, st *site.State) {
	if line == "" {
		return
	}
	switch line {
	case "/create_user":
		name := con.promptString("Username")
		report(cmds.CreateUser(name))

	case "/user_accounts":
		users, err := db.Users()
		if err != nil {
			report(err)
			return
		}
		fmt.Println("-- Users --")
		for _, u := range users {
			fmt.Printf("%s: %.2f\n", u.Name, u.Balance)
		}

	case "/print_user_tsx":
		name := con.promptString("Username")
		txs, err := db.ListTxForUser(name)
		if err != nil {
			report(err)
			return
		}
		printTxs(txs)

	case "/print_tsx":
		txs, err := db.ListTx()
		if err != nil {
			report(err)
			return
		}
		printTxs(txs)

	case "/deposit":
		name := con.promptString("Username")
		amount := con.promptFloat("Deposit amount")
		report(cmds.Deposit(name, amount))

	case "/withdraw":
		name := con.promptString("Username")
		amount := con.promptFloat("Withdraw amount")
		report(cmds.Withdraw(name, amount))

	case "/transfer":
		name := con.promptString("Username")
		amount := con.promptFloat("Transfer amount")
		beneficiary := con.promptString("Beneficiary")
		report(cmds.Transfer(name, beneficiary, amount))

	case "/pay":
		name := con.promptString("Username")
		amount := con.promptFloat("Payment amount")
		report(cmds.Pay(name, amount))

	case "/refund":
		name := con.promptString("Username")
		txs, err := db.ListTxForUser(name)
		if err != nil {
			report(err)
			return
		}
		printTxs(txs)
		lt := con.promptInt("Lamport time")
		sourceNode := con.promptString("Node")
		report(cmds.Refund(lt, sourceNode))

	case "/snapshot":
		mode := con.promptString("Mode (file/sync)")
		switch mode {
		case "sync":
			report(node.StartSnapshot(snapshot.ModeSync))
		default:
			report(node.StartSnapshot(snapshot.ModeFile))
		}

	case "/info":
		info := node.Info()
		fmt.Println("Site ID:", info.SiteID)
		fmt.Println("Address:", info.Addr)
		fmt.Println("Lamport clock:", info.Lamport)
		fmt.Println("Vector clock:", info.Vector)
		fmt.Println("Peers:")
		for _, p := range info.Peers {
			fmt.Printf(" - %s (%s) connected=%v\n", p.ID, p.Addr, p.Connected)
		}
		if info.LastSnapshot != "" {
			fmt.Println("Last snapshot:", info.LastSnapshot)
		}

	case "/help":
		printHelp()

	default:
		fmt.Println("unknown command:", line)
	}
}

func report(err error) {
	if err != nil {
		fmt.Println("error:", err)
	}
}

func printTxs(txs []store.Transaction) {
	fmt.Println("-- Transactions --")
	for _, t := range txs {
		fmt.Printf("%s -> %s | %.2f | time: %d | node: %s | msg: %s\n",
			t.FromUser, t.ToUser, t.Amount, t.LamportTime, t.SourceNode, t.OptionalMsg)
	}
}

func (c *console) promptString(label string) string {
	fmt.Printf("%s > ", label)
	line, _ := c.readLine()
	return line
}

func (c *console) promptFloat(label string) float64 {
	for {
		in := c.promptString(label)
		v, err := strconv.ParseFloat(in, 64)
		if err == nil {
			return v
		}
		if in == "" {
			return 0
		}
		fmt.Println("Invalid input. Try again.")
	}
}

func (c *console) promptInt(label string) int64 {
	for {
		in := c.promptString(label)
		v, err := strconv.ParseInt(in, 10, 64)
		if err == nil {
			return v
		}
		if in == "" {
			return 0
		}
		fmt.Println("Invalid input. Try again.")
	}
}

func printHelp() {
	fmt.Println(`commands:
  /create_user      - create a personal account
  /user_accounts    - list all users
  /print_user_tsx   - show a user's transactions
  /print_tsx        - show all system transactions
  /deposit          - deposit money to an account
  /withdraw         - withdraw money from an account
  /transfer         - transfer money to another user
  /pay              - make a payment (to the outside world)
  /refund           - refund a transaction
  /snapshot         - take a global snapshot (file or sync mode)
  /info             - show site information
  /quit             - disconnect and exit`)
}

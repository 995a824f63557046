package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kardianos/rdpcred"
	"github.com/kardianos/rdpcred/rkey"
	"github.com/kardianos/rdpcred/rstore"
)

var errUsage = errors.New("usage")

// Options are shared by every command.
type Options struct {
	ConfigPath   string
	ArtifactPath string
	DBPath       string
	Seed         string
	Iterations   int
	LogLevel     string
}

func (o *Options) register(fs *flag.FlagSet) {
	iterations := rkey.DefaultIterations
	if v, err := strconv.Atoi(os.Getenv("RDPCRED_ITERATIONS")); err == nil {
		iterations = v
	}
	fs.StringVar(&o.ConfigPath, "config", rstore.DefaultRecordPath, "Connection record file")
	fs.StringVar(&o.ArtifactPath, "artifact", rstore.DefaultArtifactPath, "Protection artifact file")
	fs.StringVar(&o.DBPath, "db", "", "Use a bbolt database at this path instead of the record file")
	fs.StringVar(&o.Seed, "seed", os.Getenv("RDPCRED_SEED"), "Installation seed for the default key (default: machine identity)")
	fs.IntVar(&o.Iterations, "iterations", iterations, "PBKDF2 iterations for new keys")
	fs.StringVar(&o.LogLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// session is an open engine plus its record store.
type session struct {
	engine  *rdpcred.Engine
	records rstore.RecordManager
	in      *bufio.Scanner
	out     io.Writer
	errOut  io.Writer
	close   func()
}

func openSession(o *Options, stdin io.Reader, stdout, stderr io.Writer) (*session, error) {
	logger, err := newLogger(o.LogLevel, stderr)
	if err != nil {
		return nil, err
	}

	var (
		records rstore.RecordManager
		closeDB func() error
	)
	if o.DBPath != "" {
		db, err := rstore.OpenBoltStore(o.DBPath)
		if err != nil {
			return nil, err
		}
		records, closeDB = db, db.Close
	} else {
		cs, err := rstore.OpenConfigStore(o.ConfigPath)
		if err != nil {
			return nil, err
		}
		records = cs
	}

	cfg := rdpcred.Config{
		Store:     records,
		Artifacts: rstore.NewFileArtifactStore(o.ArtifactPath),
		KDF:       rkey.Params{Iterations: o.Iterations},
		Logger:    logger,
	}
	if o.Seed != "" {
		cfg.Seed = rkey.StaticSeed(o.Seed)
	}
	engine, err := rdpcred.Open(cfg)
	if err != nil {
		if closeDB != nil {
			closeDB()
		}
		return nil, err
	}
	return &session{
		engine:  engine,
		records: records,
		in:      bufio.NewScanner(stdin),
		out:     stdout,
		errOut:  stderr,
		close: func() {
			engine.Close()
			if closeDB != nil {
				closeDB()
			}
			logger.Sync()
		},
	}, nil
}

func (s *session) readLine(prompt string) (string, error) {
	fmt.Fprintf(s.errOut, "%s: ", prompt)
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no input for %s", prompt)
	}
	return s.in.Text(), nil
}

func (s *session) readNewPassword(prompt string) (string, error) {
	pw, err := s.readLine(prompt)
	if err != nil {
		return "", err
	}
	again, err := s.readLine("Repeat " + prompt)
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", errors.New("passwords do not match")
	}
	return pw, nil
}

func (s *session) ensureUnlocked() error {
	if !s.engine.Status().Locked {
		return nil
	}
	pw, err := s.readLine("Master password")
	if err != nil {
		return err
	}
	return s.engine.Unlock(pw)
}

type command struct {
	usage string
	flags func(fs *flag.FlagSet) func(s *session) error
}

var commands = map[string]command{
	"status":  {usage: "Show the protection mode and lock state", flags: statusCmd},
	"list":    {usage: "List saved connections", flags: listCmd},
	"add":     {usage: "Add or update a connection", flags: addCmd},
	"get":     {usage: "Print the saved password of a connection", flags: getCmd},
	"rm":      {usage: "Remove a connection", flags: rmCmd},
	"rename":  {usage: "Rename a connection", flags: renameCmd},
	"setup":   {usage: "Set a master password", flags: setupCmd},
	"change":  {usage: "Change the master password", flags: changeCmd},
	"disable": {usage: "Remove the master password", flags: disableCmd},
	"reset":   {usage: "Forget the master password", flags: resetCmd},
	"import":  {usage: "Encrypt legacy plaintext passwords", flags: importCmd},
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return errUsage
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n", name)
		printUsage(stderr)
		return errUsage
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "%s: %s\n\n", name, cmd.usage)
		fs.PrintDefaults()
	}
	opts := &Options{}
	opts.register(fs)
	action := cmd.flags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return errUsage
	}

	s, err := openSession(opts, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	defer s.close()
	return action(s)
}

func statusCmd(fs *flag.FlagSet) func(s *session) error {
	return func(s *session) error {
		st := s.engine.Status()
		list, err := s.records.ListRecords()
		if err != nil {
			return err
		}
		saved := 0
		for _, r := range list {
			if r.Secret != "" {
				saved++
			}
		}
		fmt.Fprintf(s.out, "mode: %s\nlocked: %t\nconnections: %d\nsaved passwords: %d\n", st.Mode, st.Locked, len(list), saved)
		return nil
	}
}

func listCmd(fs *flag.FlagSet) func(s *session) error {
	return func(s *session) error {
		list, err := s.records.ListRecords()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tADDRESS\tUSER\tPASSWORD")
		for _, r := range list {
			pw := "-"
			if r.Secret != "" {
				pw = "saved"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Addr, r.Username, pw)
		}
		return tw.Flush()
	}
}

func addCmd(fs *flag.FlagSet) func(s *session) error {
	name := fs.String("name", "", "Connection name")
	addr := fs.String("addr", "", "Host or host:port (default port 3389)")
	user := fs.String("user", "", "User name")
	withPassword := fs.Bool("password", false, "Read and save a password from stdin")
	return func(s *session) error {
		if err := s.records.SaveRecord(rstore.Record{ID: *name, Addr: *addr, Username: *user}); err != nil {
			return err
		}
		if err := s.records.Persist(); err != nil {
			return err
		}
		if !*withPassword {
			return nil
		}
		if err := s.ensureUnlocked(); err != nil {
			return err
		}
		pw, err := s.readLine("Password for " + *name)
		if err != nil {
			return err
		}
		return s.engine.SaveSecret(*name, pw)
	}
}

func getCmd(fs *flag.FlagSet) func(s *session) error {
	name := fs.String("name", "", "Connection name")
	return func(s *session) error {
		if err := s.ensureUnlocked(); err != nil {
			return err
		}
		pw, err := s.engine.PlaintextPassword(*name)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, pw)
		return nil
	}
}

func rmCmd(fs *flag.FlagSet) func(s *session) error {
	name := fs.String("name", "", "Connection name")
	return func(s *session) error {
		if err := s.records.RemoveRecord(*name); err != nil {
			return err
		}
		return s.records.Persist()
	}
}

func renameCmd(fs *flag.FlagSet) func(s *session) error {
	from := fs.String("from", "", "Current connection name")
	to := fs.String("to", "", "New connection name")
	return func(s *session) error {
		if err := s.records.RenameRecord(*from, *to); err != nil {
			return err
		}
		return s.records.Persist()
	}
}

func setupCmd(fs *flag.FlagSet) func(s *session) error {
	return func(s *session) error {
		pw, err := s.readNewPassword("New master password")
		if err != nil {
			return err
		}
		if err := s.engine.SetupMasterPassword(pw); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "master password set")
		return nil
	}
}

func changeCmd(fs *flag.FlagSet) func(s *session) error {
	return func(s *session) error {
		old, err := s.readLine("Current master password")
		if err != nil {
			return err
		}
		pw, err := s.readNewPassword("New master password")
		if err != nil {
			return err
		}
		if err := s.engine.ChangeMasterPassword(old, pw); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "master password changed")
		return nil
	}
}

func disableCmd(fs *flag.FlagSet) func(s *session) error {
	return func(s *session) error {
		pw, err := s.readLine("Current master password")
		if err != nil {
			return err
		}
		if err := s.engine.RemoveMasterPassword(pw); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "master password removed")
		return nil
	}
}

func resetCmd(fs *flag.FlagSet) func(s *session) error {
	yes := fs.Bool("yes", false, "Confirm that saved passwords will be lost")
	return func(s *session) error {
		if !*yes {
			return errors.New("reset makes every saved password unreadable; rerun with -yes to confirm")
		}
		if err := s.engine.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "master password forgotten; default protection restored")
		return nil
	}
}

func importCmd(fs *flag.FlagSet) func(s *session) error {
	return func(s *session) error {
		if err := s.ensureUnlocked(); err != nil {
			return err
		}
		n, err := s.engine.ImportLegacy()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "imported %d passwords\n", n)
		return nil
	}
}

// provctl is the control CLI for captureproof: commit evidence for a
// file, export a provenance bundle embedded into a container, inspect
// ledger/upload-resume state, and run the boot-chain gate on demand.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/capturemesh/captureproof/internal/bundle"
	"github.com/capturemesh/captureproof/internal/config"
	"github.com/capturemesh/captureproof/internal/embed"
	"github.com/capturemesh/captureproof/internal/logging"
	"github.com/capturemesh/captureproof/pkg/provenance"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath = flag.String("config", "", "path to config file")
	noColor    = flag.Bool("no-color", false, "disable colored output")
	showVer    = flag.Bool("version", false, "show version information")
	quiet      = flag.Bool("q", false, "suppress banner")
)

type colors struct {
	Reset, Bold, Dim, Red, Green, Yellow, Cyan, White string
}

var c colors

func initColors() {
	if *noColor || os.Getenv("NO_COLOR") != "" || !isTerminal() {
		c = colors{}
		return
	}
	c = colors{
		Reset: "\033[0m", Bold: "\033[1m", Dim: "\033[2m",
		Red: "\033[31m", Green: "\033[32m", Yellow: "\033[33m",
		Cyan: "\033[36m", White: "\033[37m",
	}
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

const banner = `
%s    captureproof%s %scontent provenance for 3D capture%s

`

func printBanner() {
	fmt.Fprintf(os.Stderr, banner, c.Bold+c.Cyan, c.Reset, c.Dim, c.Reset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%s ERROR %s %s\n", c.Bold, c.Red, c.Reset, msg)
}

func printSection(title string) {
	fmt.Printf("\n%s%s %s %s\n\n", c.Bold, c.Cyan, title, c.Reset)
}

func usage() {
	fmt.Fprintf(os.Stderr, `%sUSAGE%s
    provctl [options] <command> [arguments]

%sCOMMANDS%s
    %skeygen%s                 Generate a new Ed25519 signing key
    %sstatus%s                 Show ledger, upload, and boot-gate status
    %scommit%s    <file>       Ingest, commit, and export provenance for a file
    %sboot-check%s             Run the boot-chain attestation gate now
    %supload%s     <action>    Manage upload-resume sessions
        list                    Print a note only; session IDs are not listed
        cleanup                 Purge sessions past the profile's TTL
    %sversion%s                Show version information

%sOPTIONS%s
    -config <path>   Path to config file (default: ~/.captureproof/config.toml)
    -no-color        Disable colored output
    -q               Suppress banner

`,
		c.Bold+c.White, c.Reset,
		c.Bold+c.White, c.Reset,
		c.Cyan, c.Reset, c.Cyan, c.Reset, c.Cyan, c.Reset, c.Cyan, c.Reset,
		c.Cyan, c.Reset, c.Cyan, c.Reset,
		c.Bold+c.White, c.Reset,
	)
}

func main() {
	flag.Parse()
	initColors()

	if *showVer {
		fmt.Printf("provctl %s (commit %s, %s/%s)\n", version, commit, runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		if !*quiet {
			printBanner()
		}
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	if !*quiet && cmd != "help" && cmd != "version" {
		printBanner()
	}

	switch cmd {
	case "keygen":
		cmdKeygen()
	case "status":
		cmdStatus()
	case "commit":
		if flag.NArg() < 2 {
			printError("usage: provctl commit <file>")
			os.Exit(1)
		}
		cmdCommit(flag.Arg(1))
	case "boot-check":
		cmdBootCheck()
	case "upload":
		if flag.NArg() < 2 {
			printError("usage: provctl upload <list|cleanup>")
			os.Exit(1)
		}
		cmdUpload(flag.Arg(1))
	case "help":
		usage()
	case "version":
		fmt.Printf("provctl %s\n", version)
	default:
		printError(fmt.Sprintf("unknown command: %s", cmd))
		usage()
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		printError(fmt.Sprintf("loading config: %v", err))
		os.Exit(1)
	}
	return cfg
}

func cmdKeygen() {
	cfg := loadConfig()
	if err := cfg.EnsureDirectories(); err != nil {
		printError(fmt.Sprintf("creating directories: %v", err))
		os.Exit(1)
	}

	if _, err := os.Stat(cfg.Paths.SigningKeyPath); err == nil {
		printError(fmt.Sprintf("a signing key already exists at %s", cfg.Paths.SigningKeyPath))
		os.Exit(1)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		printError(fmt.Sprintf("generating key: %v", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.SigningKeyPath), 0700); err != nil {
		printError(fmt.Sprintf("creating key directory: %v", err))
		os.Exit(1)
	}
	if err := os.WriteFile(cfg.Paths.SigningKeyPath, priv, 0600); err != nil {
		printError(fmt.Sprintf("writing key: %v", err))
		os.Exit(1)
	}
	if err := os.WriteFile(cfg.Paths.SigningKeyPath+".pub", pub, 0644); err != nil {
		printError(fmt.Sprintf("writing public key: %v", err))
		os.Exit(1)
	}

	printSection("SIGNING KEY")
	fmt.Printf("  %sPath%s          %s\n", c.Dim, c.Reset, cfg.Paths.SigningKeyPath)
	fmt.Printf("  %sPublic Key%s    %s%s%s\n", c.Dim, c.Reset, c.Cyan, hex.EncodeToString(pub), c.Reset)
	fmt.Println()
}

func openPipeline(cfg *config.Config) *provenance.Pipeline {
	var sessionID [32]byte
	if _, err := rand.Read(sessionID[:]); err != nil {
		printError(fmt.Sprintf("generating session id: %v", err))
		os.Exit(1)
	}

	p, err := provenance.Open(cfg, sessionID, provenance.Options{
		ExporterVersion: "provctl/" + version,
	})
	if err != nil {
		printError(fmt.Sprintf("opening pipeline: %v", err))
		os.Exit(1)
	}
	return p
}

func cmdStatus() {
	cfg := loadConfig()
	p := openPipeline(cfg)
	defer p.Close()

	printSection("PROFILE")
	fmt.Printf("  %sProfile%s       %s\n", c.Dim, c.Reset, cfg.Profile)
	fmt.Printf("  %sLedger DB%s     %s\n", c.Dim, c.Reset, cfg.Paths.LedgerDBPath)
	fmt.Printf("  %sWAL%s           %s\n", c.Dim, c.Reset, cfg.Paths.WALPath)
	fmt.Printf("  %sUpload store%s  %s\n", c.Dim, c.Reset, cfg.Paths.UploadStorePath)
	fmt.Printf("  %sLog level%s     %s\n", c.Dim, c.Reset, logging.LevelString(cfg.ResolvedLogLevel()))
	if files, err := p.LogFiles(); err == nil {
		fmt.Printf("  %sLog files%s     %d on disk\n", c.Dim, c.Reset, len(files))
	}

	printSection("SIGNING KEY")
	fmt.Printf("  %sPublic key%s    %s%s%s\n", c.Dim, c.Reset, c.Cyan, hex.EncodeToString(p.PublicKey()), c.Reset)

	printSection("SIGNED TREE HEAD")
	if head, err := p.SignedTreeHead(); err == nil {
		fmt.Printf("  %sRoot%s          %s%s%s\n", c.Dim, c.Reset, c.Cyan, hex.EncodeToString(head[:]), c.Reset)
	} else {
		fmt.Printf("  %sRoot%s          %s(empty tree)%s\n", c.Dim, c.Reset, c.Dim, c.Reset)
	}

	printSection("BOOT GATE")
	res := p.RunBootCheck()
	if res.Passed {
		fmt.Printf("  %sStatus%s        %s%sPASSED%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sStatus%s        %s%sFAILED%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
	}
	for _, check := range res.Checks {
		mark := c.Green + "ok" + c.Reset
		if !check.Passed {
			mark = c.Red + "fail" + c.Reset
		}
		fmt.Printf("    %-28s %s  %s\n", check.Name, mark, check.Detail)
	}
	fmt.Println()
}

func cmdCommit(path string) {
	cfg := loadConfig()
	p := openPipeline(cfg)
	defer p.Close()

	info, err := os.Stat(path)
	if err != nil {
		printError(fmt.Sprintf("stat %s: %v", path, err))
		os.Exit(1)
	}

	result, err := p.IngestChunk(path, 0, info.Size())
	if err != nil {
		printError(fmt.Sprintf("hashing %s: %v", path, err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	commitRes, err := p.Commit(ctx, result.ContentHash)
	if err != nil {
		printError(fmt.Sprintf("commit: %v", err))
		os.Exit(1)
	}

	exported, err := p.Export(ctx, commitRes.Entry.Seq, "e57", "1.0", time.Now().Unix(), &bundle.DeviceAttestation{}, true)
	if err != nil {
		printError(fmt.Sprintf("export: %v", err))
		os.Exit(1)
	}

	outPath := path + ".provenance.json"
	if err := os.WriteFile(outPath, exported.Canonical, 0644); err != nil {
		printError(fmt.Sprintf("writing bundle: %v", err))
		os.Exit(1)
	}

	printSection("COMMITTED")
	fmt.Printf("  %sFile%s          %s\n", c.Dim, c.Reset, path)
	fmt.Printf("  %sContent hash%s  %s%s%s\n", c.Dim, c.Reset, c.Cyan, hex.EncodeToString(result.ContentHash[:]), c.Reset)
	fmt.Printf("  %sSeq%s           %d\n", c.Dim, c.Reset, commitRes.Entry.Seq)
	fmt.Printf("  %sBundle hash%s   %s%s%s\n", c.Dim, c.Reset, c.Cyan, hex.EncodeToString(exported.Hash[:]), c.Reset)
	fmt.Printf("  %sBundle file%s   %s\n", c.Dim, c.Reset, outPath)

	glbPath := path + ".glb"
	glb, err := p.EmbedGLTF([]byte{}, exported, embed.Options{ExtensionName: "CAPTUREPROOF_provenance"})
	if err == nil {
		if err := os.WriteFile(glbPath, glb, 0644); err == nil {
			fmt.Printf("  %sGLB container%s %s\n", c.Dim, c.Reset, glbPath)
		}
	}
	fmt.Println()
}

func cmdBootCheck() {
	cfg := loadConfig()
	p := openPipeline(cfg)
	defer p.Close()

	res := p.RunBootCheck()
	printSection("BOOT GATE")
	for _, check := range res.Checks {
		mark := c.Green + "ok" + c.Reset
		if !check.Passed {
			mark = c.Red + "fail" + c.Reset
		}
		fmt.Printf("    %-28s %s  %s\n", check.Name, mark, check.Detail)
	}
	fmt.Println()
	if !res.Passed {
		os.Exit(1)
	}
}

func cmdUpload(action string) {
	cfg := loadConfig()
	p := openPipeline(cfg)
	defer p.Close()

	switch action {
	case "cleanup":
		if err := p.CleanupExpiredUploads(); err != nil {
			printError(fmt.Sprintf("cleanup: %v", err))
			os.Exit(1)
		}
		fmt.Printf("%scleaned up expired upload sessions%s\n", c.Green, c.Reset)
	case "list":
		printSection("UPLOAD SESSIONS")
		fmt.Println("  (per-session listing requires a session ID; use provctl upload cleanup to reclaim expired ones)")
	default:
		printError(fmt.Sprintf("unknown upload action: %s", action))
		os.Exit(1)
	}
}

// Command uptane-repo is the offline Uptane repository generator/
// signer tool: generate, image, addtarget, signtargets, and sign
// subcommands over a repository rooted at a given path.
//
// Uses a flag.NewFlagSet-per-subcommand, switch-dispatched CLI shape
// with a testable `Run(args, stdout, stderr, stdin) int` entrypoint, not
// cobra — no cobra dependency is introduced here.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ota-uptane/client-core/pkg/uptane"
	"github.com/ota-uptane/client-core/pkg/uptane/repobuilder"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr, os.Stdin))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer, stdin io.Reader) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "generate":
		return runGenerate(args[2:], stderr)
	case "image":
		return runImage(args[2:], stderr)
	case "addtarget":
		return runAddTarget(args[2:], stderr)
	case "signtargets":
		return runSignTargets(args[2:], stderr)
	case "sign":
		return runSign(args[2:], stdout, stderr, stdin)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: uptane-repo <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  generate <path> --keytype K        emit an empty pair of repositories")
	fmt.Fprintln(w, "  image <path> <file>                add file as target in the image repo")
	fmt.Fprintln(w, "  addtarget <path> <name> --hwid H --serial S")
	fmt.Fprintln(w, "                                      copy an image target into the director repo")
	fmt.Fprintln(w, "  signtargets <path>                 re-sign director targets, snapshot, timestamp")
	fmt.Fprintln(w, "  sign <path> --repotype T --keyname ROLE")
	fmt.Fprintln(w, "                                      sign a body read from stdin, write envelope to stdout")
}

func parseKeyKind(s string) (uptane.KeyKind, error) {
	switch s {
	case "RSA2048":
		return uptane.KeyRSA2048, nil
	case "RSA3072":
		return uptane.KeyRSA3072, nil
	case "RSA4096":
		return uptane.KeyRSA4096, nil
	case "ED25519":
		return uptane.KeyEd25519, nil
	default:
		return "", fmt.Errorf("unknown key type %q (want RSA2048, RSA3072, RSA4096, or ED25519)", s)
	}
}

func parseExpires(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func runGenerate(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keytype := fs.String("keytype", "ED25519", "key type: RSA2048, RSA3072, RSA4096, ED25519")
	expires := fs.String("expires", "", "expiry timestamp (RFC3339); default one year out")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: generate <path> --keytype K")
		return 2
	}
	path := fs.Arg(0)

	kind, err := parseKeyKind(*keytype)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	exp, err := parseExpires(*expires)
	if err != nil {
		fmt.Fprintln(stderr, "invalid --expires:", err)
		return 1
	}

	b := repobuilder.New(path)
	if err := b.Generate(kind, exp); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runImage(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("image", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: image <path> <file>")
		return 2
	}

	b := repobuilder.New(fs.Arg(0))
	if err := b.AddImage(fs.Arg(1)); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runAddTarget(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("addtarget", flag.ContinueOnError)
	fs.SetOutput(stderr)
	hwid := fs.String("hwid", "", "hardware id to assign the target to")
	serial := fs.String("serial", "", "ECU serial to assign the target to")
	correlationID := fs.String("correlationid", "", "correlation id for this update campaign")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: addtarget <path> <name> --hwid H --serial S")
		return 2
	}
	if *hwid == "" || *serial == "" {
		fmt.Fprintln(stderr, "--hwid and --serial are required")
		return 2
	}

	b := repobuilder.New(fs.Arg(0))
	if err := b.AddTarget(fs.Arg(1), *hwid, *serial, *correlationID); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runSignTargets(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("signtargets", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: signtargets <path>")
		return 2
	}

	b := repobuilder.New(fs.Arg(0))
	if err := b.SignTargets(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runSign(args []string, stdout, stderr io.Writer, stdin io.Reader) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	repotype := fs.String("repotype", "", "director or image")
	keyname := fs.String("keyname", "", "role key to sign with: root, targets, snapshot, or timestamp")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(stderr, "usage: sign <path> --repotype {director,image} --keyname ROLE")
		return 2
	}

	var repo uptane.RepoType
	switch *repotype {
	case "director":
		repo = uptane.RepoDirector
	case "image":
		repo = uptane.RepoImage
	default:
		fmt.Fprintln(stderr, "--repotype must be director or image")
		return 2
	}

	role := uptane.Role(*keyname)
	valid := false
	for _, r := range uptane.Roles {
		if r == role {
			valid = true
			break
		}
	}
	if !valid {
		fmt.Fprintln(stderr, "--keyname must be one of root, targets, snapshot, timestamp")
		return 2
	}

	body, err := io.ReadAll(stdin)
	if err != nil {
		fmt.Fprintln(stderr, "read stdin:", err)
		return 1
	}

	b := repobuilder.New(fs.Arg(0))
	env, err := b.Sign(repo, role, body)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, string(out))
	return 0
}

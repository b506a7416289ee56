package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"viewguard/internal/document"
	"viewguard/internal/eventbus"
	"viewguard/internal/store"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdDocuments(ctx context.Context, c *ownerClient, args []string, jsonOut bool, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: viewguardctl documents list|create|get|delete")
	}
	switch args[0] {
	case "list":
		docs, err := c.Documents(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(out, docs)
		}
		printDocuments(out, docs, time.Now())
		return nil
	case "get":
		if len(args) < 2 {
			return errors.New("usage: viewguardctl documents get <id>")
		}
		doc, err := c.Document(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(out, doc)
	case "delete":
		if len(args) < 2 {
			return errors.New("usage: viewguardctl documents delete <id>")
		}
		if err := c.DeleteDocument(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Deleted %s\n", args[1])
		return nil
	case "create":
		req, err := parseCreate(args[1:])
		if err != nil {
			return err
		}
		doc, err := c.CreateDocument(ctx, *req)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(out, doc)
		}
		fmt.Fprintf(out, "Created %s (%s)\n", doc.DocumentID, doc.Title)
		return nil
	default:
		return fmt.Errorf("unknown documents command: %s", args[0])
	}
}

func printDocuments(out io.Writer, docs []document.SecureDocument, now time.Time) {
	if len(docs) == 0 {
		fmt.Fprintln(out, "No documents.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tLEVEL\tSTATE\tCREATED")
	for _, d := range docs {
		state := "open"
		if d.Locked {
			state = "locked"
			if d.LockedReason != "" {
				state += ": " + d.LockedReason
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.DocumentID, d.Title, d.Permissions.SecurityLevel, state, humanize.RelTime(d.CreatedAt, now, "ago", "from now"))
	}
	tw.Flush()
}

// parseCreate builds a create request from flags, optionally layered over a
// YAML or JSON file.
func parseCreate(args []string) (*createRequest, error) {
	var (
		file     string
		expires  time.Duration
		req      createRequest
		identity bool
	)
	flags := pflag.NewFlagSet("documents create", pflag.ContinueOnError)
	flags.StringVarP(&file, "file", "f", "", "YAML or JSON document definition")
	flags.StringVar(&req.Title, "title", "", "document title")
	flags.StringVar(&req.Description, "description", "", "document description")
	flags.StringVar(&req.OTP, "otp", "", "access code for viewers")
	flags.StringVar(&req.OwnerID, "owner", "", "owner id")
	flags.StringVar(&req.Classification, "classification", "", "classification label")
	flags.IntVar(&req.Permissions.MaxViews, "max-views", 0, "maximum views (0 = unlimited)")
	flags.DurationVar(&expires, "expires-in", 0, "code expiry from now")
	flags.IntVar(&req.Permissions.MaxSessionMinutes, "session-minutes", 0, "session length in minutes")
	level := flags.String("level", string(document.LevelHigh), "security level: LOW, MEDIUM, HIGH or MAXIMUM")
	flags.BoolVar(&req.Policies.CameraEnforcement, "camera", false, "enforce camera presence")
	flags.BoolVar(&req.Policies.Watermarking, "watermark", true, "overlay a viewer watermark")
	flags.BoolVar(&req.Policies.ScreenShield, "screen-shield", true, "blur on focus loss")
	flags.BoolVar(&req.Policies.DownloadDisabled, "no-download", true, "disable downloads")
	flags.BoolVar(&req.Policies.LocationTracking, "location", false, "record viewer location")
	flags.BoolVar(&req.Policies.CaptureReaderPhoto, "photo", false, "capture a reader photo")
	flags.BoolVar(&identity, "require-identity", false, "require name and phone before viewing")
	flags.StringVar(&req.IdentityRequirement.ExpectedName, "expected-name", "", "expected viewer name")
	flags.StringVar(&req.IdentityRequirement.ExpectedPhone, "expected-phone", "", "expected viewer phone")
	flags.BoolVar(&req.IdentityRequirement.EnforceMatch, "enforce-match", false, "reject identities that do not match")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if file != "" {
		base, err := readCreateFile(file)
		if err != nil {
			return nil, err
		}
		// Flags that were set win over the file.
		flags.Visit(func(f *pflag.Flag) {
			applyCreateFlag(base, &req, f.Name)
		})
		req = *base
	}
	if flags.Changed("level") || file == "" {
		req.Permissions.SecurityLevel = document.SecurityLevel(strings.ToUpper(*level))
	}
	if flags.Changed("expires-in") {
		req.Permissions.ExpiryDate = time.Now().Add(expires).UTC()
	}
	if flags.Changed("require-identity") || file == "" {
		req.IdentityRequirement.Required = identity
	}
	if req.Title == "" || req.OTP == "" {
		return nil, errors.New("documents create: --title and --otp are required")
	}
	return &req, nil
}

// applyCreateFlag copies one flag-backed field from src onto dst.
func applyCreateFlag(dst, src *createRequest, name string) {
	switch name {
	case "title":
		dst.Title = src.Title
	case "description":
		dst.Description = src.Description
	case "otp":
		dst.OTP = src.OTP
	case "owner":
		dst.OwnerID = src.OwnerID
	case "classification":
		dst.Classification = src.Classification
	case "max-views":
		dst.Permissions.MaxViews = src.Permissions.MaxViews
	case "session-minutes":
		dst.Permissions.MaxSessionMinutes = src.Permissions.MaxSessionMinutes
	case "camera":
		dst.Policies.CameraEnforcement = src.Policies.CameraEnforcement
	case "watermark":
		dst.Policies.Watermarking = src.Policies.Watermarking
	case "screen-shield":
		dst.Policies.ScreenShield = src.Policies.ScreenShield
	case "no-download":
		dst.Policies.DownloadDisabled = src.Policies.DownloadDisabled
	case "location":
		dst.Policies.LocationTracking = src.Policies.LocationTracking
	case "photo":
		dst.Policies.CaptureReaderPhoto = src.Policies.CaptureReaderPhoto
	case "expected-name":
		dst.IdentityRequirement.ExpectedName = src.IdentityRequirement.ExpectedName
	case "expected-phone":
		dst.IdentityRequirement.ExpectedPhone = src.IdentityRequirement.ExpectedPhone
	case "enforce-match":
		dst.IdentityRequirement.EnforceMatch = src.IdentityRequirement.EnforceMatch
	}
}

// readCreateFile decodes a document definition. YAML keys follow the JSON
// field names, so the file is decoded generically and re-read as JSON.
func readCreateFile(path string) (*createRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	raw, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}
	var req createRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &req, nil
}

func cmdReaders(ctx context.Context, c *ownerClient, args []string, jsonOut bool, out io.Writer) error {
	readers, err := c.Readers(ctx)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		filtered := readers[:0]
		for _, r := range readers {
			if r.DocumentID == args[0] {
				filtered = append(filtered, r)
			}
		}
		readers = filtered
	}
	if jsonOut {
		return printJSON(out, readers)
	}
	printReaders(out, readers, time.Now())
	return nil
}

func printReaders(out io.Writer, readers []store.ReaderSnapshot, now time.Time) {
	if len(readers) == 0 {
		fmt.Fprintln(out, "No verified readers.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tVIEWER\tNAME\tPHONE\tVERIFIED\tACTIVE\tVIOLATIONS")
	for _, r := range readers {
		verified := "-"
		if r.VerifiedAt != nil {
			verified = humanize.RelTime(*r.VerifiedAt, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%d\n",
			r.DocumentTitle, r.ViewerID, r.Name, r.Phone, verified, r.Active, len(r.Violations))
	}
	tw.Flush()
}

func cmdLock(ctx context.Context, c *ownerClient, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: viewguardctl lock <id> [reason]")
	}
	reason := strings.Join(args[1:], " ")
	if err := c.Lock(ctx, args[0], reason); err != nil {
		return err
	}
	fmt.Fprintf(out, "Locked %s\n", args[0])
	return nil
}

func cmdUnlock(ctx context.Context, c *ownerClient, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: viewguardctl unlock <id>")
	}
	if err := c.Unlock(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "Unlocked %s\n", args[0])
	return nil
}

func cmdRevoke(ctx context.Context, c *ownerClient, args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("usage: viewguardctl revoke <viewer-token> [reason]")
	}
	if err := c.Revoke(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Fprintln(out, "Session revoked")
	return nil
}

func cmdTail(ctx context.Context, c *ownerClient, args []string, out io.Writer) error {
	var (
		types      []string
		heartbeats bool
		count      int
	)
	flags := pflag.NewFlagSet("tail", pflag.ContinueOnError)
	flags.StringSliceVar(&types, "types", nil, "only print these event types")
	flags.BoolVar(&heartbeats, "heartbeats", false, "print stream keep-alives")
	flags.IntVarP(&count, "count", "n", 0, "exit after n matching events")
	if err := flags.Parse(args); err != nil {
		return err
	}
	want := make(map[eventbus.Type]bool, len(types))
	for _, t := range types {
		want[eventbus.Type(strings.ToUpper(strings.TrimSpace(t)))] = true
	}

	seen := 0
	errDone := errors.New("done")
	err := c.Tail(ctx, func(ev eventbus.Event) error {
		switch {
		case ev.Type == eventbus.Heartbeat && !heartbeats:
			return nil
		case len(want) > 0 && !want[ev.Type]:
			return nil
		}
		if err := writeEvent(out, ev); err != nil {
			return err
		}
		seen++
		if count > 0 && seen >= count {
			return errDone
		}
		return nil
	})
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

func writeEvent(out io.Writer, ev eventbus.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	if len(ev.Payload) == 0 {
		payload = nil
	}
	_, err = fmt.Fprintf(out, "%s %-26s %s\n", ev.CreatedAt.Local().Format(time.TimeOnly), ev.Type, payload)
	return err
}

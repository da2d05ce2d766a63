package cli

import (
	"github.com/harun/memledger/pkg/core"
	"github.com/harun/memledger/pkg/tiers"
	"github.com/spf13/cobra"
)

func newStoreCmd(opts *rootOptions) *cobra.Command {
	var (
		req       core.StoreRequest
		input     string
		weights   []string
		timestamp string
	)

	cmd := &cobra.Command{
		Use:   "store [text]",
		Short: "Write a memory record to a tier",
		Long: `Write a memory record to one of the temporal tiers. Text comes from
--text, the arguments, or stdin when given as "-". A full request can be read
from a JSON file with --input; flags given on the command line override it.

Writing the ultra_long tier directly needs a gate token and approved hash;
use "memledger gate propose" for the normal path.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if input != "" {
				var fromFile core.StoreRequest
				if err := readRequest(cmd, input, &fromFile); err != nil {
					return err
				}
				mergeStore(cmd, &fromFile, req)
				req = fromFile
			}

			text, err := readText(cmd, req.Text, args)
			if err != nil {
				return err
			}
			req.Text = text

			if len(weights) > 0 {
				if req.Weight, err = parseWeight(weights); err != nil {
					return err
				}
			}
			if timestamp != "" {
				if req.Timestamp, err = parseTimestamp(timestamp); err != nil {
					return err
				}
			}

			return opts.withSession(cmd, func(s *session) error {
				res, err := s.svc.Store(cmd.Context(), s.actor, req)
				return emit(cmd, res, err, res.Record.ID != "")
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Tier, "tier", string(tiers.Short), "ultra_short, short, medium, long or ultra_long")
	f.StringVar(&req.SessionID, "session", "", "session id (required)")
	f.StringVar(&req.ScopeID, "scope", "", "scope id")
	f.StringVar(&req.Text, "text", "", "record text")
	f.StringVar(&req.RedactedText, "redacted", "", "redacted text")
	f.StringSliceVar(&req.References, "ref", nil, "reference (repeatable)")
	f.StringArrayVar(&weights, "weight", nil, "weight key=value (repeatable)")
	f.StringSliceVar(&req.PIIFlags, "pii-flag", nil, "PII flag (repeatable)")
	f.StringVar(&timestamp, "timestamp", "", "logical timestamp, RFC 3339 (default now)")
	f.StringVar(&req.GateToken, "gate-token", "", "gate token for ultra_long writes")
	f.StringVar(&req.ApprovedHash, "approved-hash", "", "approved content hash for ultra_long writes")
	f.StringVar(&input, "input", "", `read the request as JSON from a file, "-" for stdin`)
	return cmd
}

// mergeStore copies flags the user set over a request read from a file
func mergeStore(cmd *cobra.Command, dst *core.StoreRequest, flags core.StoreRequest) {
	f := cmd.Flags()
	if f.Changed("tier") || dst.Tier == "" {
		dst.Tier = flags.Tier
	}
	if f.Changed("session") {
		dst.SessionID = flags.SessionID
	}
	if f.Changed("scope") {
		dst.ScopeID = flags.ScopeID
	}
	if f.Changed("text") {
		dst.Text = flags.Text
	}
	if f.Changed("redacted") {
		dst.RedactedText = flags.RedactedText
	}
	if f.Changed("ref") {
		dst.References = flags.References
	}
	if f.Changed("pii-flag") {
		dst.PIIFlags = flags.PIIFlags
	}
	if f.Changed("gate-token") {
		dst.GateToken = flags.GateToken
	}
	if f.Changed("approved-hash") {
		dst.ApprovedHash = flags.ApprovedHash
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		req      core.SearchRequest
		tierArgs []string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Rank memory records against a query",
		Long: `Rank memory records by keyword overlap, recency, references and tier.
Results below the minimum score are dropped; the evidence file written for the
search is named in the output.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, "", args)
			if err != nil {
				return err
			}
			req.Text = text
			for _, t := range tierArgs {
				req.Tiers = append(req.Tiers, tiers.Tier(t))
			}

			return opts.withSession(cmd, func(s *session) error {
				res, err := s.svc.Search(cmd.Context(), s.actor, req)
				return emit(cmd, res, err, false)
			})
		},
	}

	f := cmd.Flags()
	f.IntVarP(&req.K, "k", "k", 5, "maximum results")
	f.StringSliceVar(&tierArgs, "tier", nil, "restrict to tier (repeatable)")
	f.Float64Var(&req.HalfLifeDays, "half-life", 0, "recency half-life in days (default from config)")
	f.BoolVar(&req.Rerank, "rerank", false, "re-rank the top results against each other")
	f.Float64Var(&req.MinScore, "min-score", 0, "minimum score (default from config)")
	return cmd
}

package lockfile

import "testing"

func TestFormatParseRoundTrip(t *testing.T) {
	records := []Record{
		None(),
		Completed(0),
		Completed(77),
		Completed(123456789),
		Working(1, NoJob),
		Working(4242, 42),
		TimedOut(42),
		TimedOut(NoJob),
		IllegalState(42),
		IllegalState(NoJob),
		Parse("something went badly"),
		Parse("Working: pid abc last was 3"),
	}
	for _, r := range records {
		text := Format(r)
		if got := Parse(text); got != r {
			t.Fatalf("Parse(Format(%+v)) = %+v (text %q)", r, got, text)
		}
	}
}

func TestWorkingWithoutOwnerDoesNotRoundTrip(t *testing.T) {
	for _, pid := range []int{0, -7} {
		r := Working(pid, 5)
		text := Format(r)
		got := Parse(text)
		want := Record{Kind: KindIllegalState, JobID: NoJob, Raw: text}
		if got != want {
			t.Fatalf("Parse(%q) = %+v, want %+v", text, got, want)
		}
		if Format(got) != text {
			t.Fatalf("unparsed record must format back to %q, got %q", text, Format(got))
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Record
	}{
		{"empty", "", None()},
		{"blank", " \n\t", None()},
		{"no job", "-1", None()},
		{"completed", "77", Completed(77)},
		{"completed trailing newline", "77\n", Completed(77)},
		{"working", "Working: pid 99999 last was 42", Working(99999, 42)},
		{"working first run", "Working: pid 12 last was -1", Working(12, NoJob)},
		{"working extra spaces", "Working:   pid 12\nlast was 5", Working(12, 5)},
		{"timed out", "Timed out: 42", TimedOut(42)},
		{"illegal", "Illegal state: 42", IllegalState(42)},
		{"non numeric tail", "Illegal state: oops", Record{Kind: KindIllegalState, JobID: NoJob, Raw: "Illegal state: oops"}},
		{"unknown prefix", "Paused: 42", Record{Kind: KindIllegalState, JobID: NoJob, Raw: "Paused: 42"}},
		{"working bad pid", "Working: pid x last was 4", Record{Kind: KindIllegalState, JobID: NoJob, Raw: "Working: pid x last was 4"}},
		{"working zero pid", "Working: pid 0 last was 4", Record{Kind: KindIllegalState, JobID: NoJob, Raw: "Working: pid 0 last was 4"}},
		{"working truncated", "Working: 4", Record{Kind: KindIllegalState, JobID: NoJob, Raw: "Working: 4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.in); got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatExact(t *testing.T) {
	tests := []struct {
		r    Record
		want string
	}{
		{None(), "-1"},
		{Completed(77), "77"},
		{Completed(NoJob), "-1"},
		{Working(321, 42), "Working: pid 321 last was 42"},
		{TimedOut(42), "Timed out: 42"},
		{IllegalState(9), "Illegal state: 9"},
	}
	for _, tt := range tests {
		if got := Format(tt.r); got != tt.want {
			t.Fatalf("Format(%+v) = %q, want %q", tt.r, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindWorking.String() != "working" || KindIllegalState.String() != "illegal_state" {
		t.Fatalf("unexpected kind names: %s %s", KindWorking, KindIllegalState)
	}
	if Kind(99).String() != "kind(99)" {
		t.Fatalf("unexpected name for unknown kind: %s", Kind(99))
	}
}

// FuzzParse ensures Parse never panics and that its output is a fixed point
// of Format/Parse.
func FuzzParse(f *testing.F) {
	f.Add("Working: pid 12 last was 3")
	f.Add("Timed out: 4")
	f.Add("Illegal state: x")
	f.Add("\ufeff17")
	f.Add("")

	f.Fuzz(func(t *testing.T, text string) {
		r := Parse(text)
		if again := Parse(Format(r)); again != r {
			t.Fatalf("not a fixed point: %q -> %+v -> %q -> %+v", text, r, Format(r), again)
		}
	})
}

package bencode

import "testing"

func TestMarshalScalars(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{0, "i0e"},
		{1024, "i1024e"},
		{-2048, "i-2048e"},
		{"", "0:"},
		{"abc", "3:abc"},
		{[]byte("abc"), "3:abc"},
		{[]interface{}{10, "abc", 8}, "li10e3:abci8ee"},
	}
	for _, c := range cases {
		got, err := Marshal(c.in)
		if err != nil {
			t.Errorf("Marshal(%#v) error: %v", c.in, err)
			continue
		}
		if string(got) != c.want {
			t.Errorf("Marshal(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMarshalMapSortsKeys(t *testing.T) {
	m := map[string]int{"zebra": 1, "apple": 2, "mango": 3}
	got, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	want := "d5:applei2e5:mangoi3e5:zebrai1ee"
	if string(got) != want {
		t.Errorf("Marshal(map) = %q, want %q", got, want)
	}
}

func TestRoundTripSortedDict(t *testing.T) {
	// encode(decode(b)) == b for inputs whose dict keys are already sorted.
	inputs := []string{
		"d3:bar4:spam3:fooi42ee",
		"d1:ali1ei2ei3ee1:bi4ee",
		"de",
		"le",
		"i0e",
		"5:hello",
	}
	for _, in := range inputs {
		var v interface{}
		if err := Unmarshal([]byte(in), &v); err != nil {
			t.Fatalf("Unmarshal(%q): %v", in, err)
		}
		out, err := Marshal(v)
		if err != nil {
			t.Fatalf("Marshal after Unmarshal(%q): %v", in, err)
		}
		if string(out) != in {
			t.Errorf("round trip %q -> %q", in, out)
		}
	}
}

func TestMarshalStructOmitsEmpty(t *testing.T) {
	type s struct {
		Name string `bencode:"name"`
		Note string `bencode:"note,omitempty"`
	}
	got, err := Marshal(s{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	want := "d4:name1:xe"
	if string(got) != want {
		t.Errorf("Marshal(struct) = %q, want %q", got, want)
	}
}

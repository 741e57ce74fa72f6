package importer_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/berylliumsec/nebula-watcher/internal/importer"
	"github.com/berylliumsec/nebula-watcher/internal/model"

	"github.com/stretchr/testify/require"
)

func TestXML(t *testing.T) {
	t.Parallel()
	f, err := os.Open(filepath.Join("testdata", "results", "scan.xml"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	targets, err := importer.NewXML(importer.ScopeHost).Import(t.Context(), "scan.xml", f)
	require.NoError(t, err)
	require.Equal(t, []model.Target{
		{
			IP:              "10.0.0.5",
			Hostname:        "gw.lab.local",
			Ports:           []string{"22", "53"},
			Services:        []string{"ssh", "dns"},
			Vulnerabilities: []string{},
			Source:          "scan.xml",
		},
		{
			IP:              "10.0.0.7",
			Ports:           []string{"80"},
			Services:        []string{"http"},
			Vulnerabilities: []string{"CVE-2021-41773", "CVE-2021-42013"},
			Source:          "scan.xml",
		},
	}, targets)
}

func TestXML_GlobalScope(t *testing.T) {
	t.Parallel()
	f, err := os.Open(filepath.Join("testdata", "results", "scan.xml"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	targets, err := importer.NewXML(importer.ScopeGlobal).Import(t.Context(), "scan.xml", f)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	for _, target := range targets {
		require.Equal(t, []string{"CVE-2021-41773", "CVE-2021-42013"}, target.Vulnerabilities)
	}
}

func TestXML_Scenarios(t *testing.T) {
	t.Parallel()
	type then struct {
		targets []model.Target
		err     bool
	}
	var testCases = []struct {
		scenario string
		given    string
		then     then
	}{
		{
			scenario: "single ssh host",
			given: `<nmaprun><host><address addr="10.0.0.5" addrtype="ipv4"/><ports>
<port protocol="tcp" portid="22"><state state="open"/><service name="ssh"/></port>
</ports></host></nmaprun>`,
			then: then{targets: []model.Target{{
				IP:              "10.0.0.5",
				Ports:           []string{"22"},
				Services:        []string{"ssh"},
				Vulnerabilities: []string{},
				Source:          "b.xml",
			}}},
		},
		{
			scenario: "cve scoped to its host",
			given: `<nmaprun>
<host><address addr="10.0.0.1" addrtype="ipv4"/><ports>
<port protocol="tcp" portid="445"><state state="open"/><service name="microsoft-ds"/>
<script id="smb-vuln" output="... CVE-2023-12345 ..."/></port>
</ports></host>
<host><address addr="10.0.0.2" addrtype="ipv4"/><ports>
<port protocol="tcp" portid="80"><state state="open"/><service name="http"/></port>
</ports></host>
</nmaprun>`,
			then: then{targets: []model.Target{
				{
					IP:              "10.0.0.1",
					Ports:           []string{"445"},
					Services:        []string{"microsoft-ds"},
					Vulnerabilities: []string{"CVE-2023-12345"},
					Source:          "b.xml",
				},
				{
					IP:              "10.0.0.2",
					Ports:           []string{"80"},
					Services:        []string{"http"},
					Vulnerabilities: []string{},
					Source:          "b.xml",
				},
			}},
		},
		{
			scenario: "host without address",
			given:    `<nmaprun><host><ports/></host></nmaprun>`,
			then:     then{targets: []model.Target{}},
		},
		{
			scenario: "malformed",
			given:    `<nmaprun><host></nmaprun>`,
			then:     then{err: true},
		},
		{
			scenario: "empty",
			given:    "  \n",
			then:     then{err: true},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			targets, err := importer.NewXML(importer.ScopeHost).Import(t.Context(), "b.xml", strings.NewReader(tc.given))
			if tc.then.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then.targets, targets)
		})
	}
}

func TestText(t *testing.T) {
	t.Parallel()
	f, err := os.Open(filepath.Join("testdata", "results", "nested", "scan.nmap"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	targets, err := importer.NewText().Import(t.Context(), "scan.nmap", f)
	require.NoError(t, err)
	require.Equal(t, []model.Target{
		{
			IP:              "10.0.0.5",
			Hostname:        "gw.lab.local",
			Ports:           []string{"22", "443"},
			Services:        []string{"ssh", "https"},
			Vulnerabilities: []string{},
			Source:          "scan.nmap",
		},
		{
			IP:              "10.0.0.9",
			Ports:           []string{"3306"},
			Services:        []string{"mysql"},
			Vulnerabilities: []string{"CVE-2016-6662"},
			Source:          "scan.nmap",
		},
	}, targets)
}

func TestText_NoReports(t *testing.T) {
	t.Parallel()
	for _, given := range []string{"", "just some notes\n"} {
		_, err := importer.NewText().Import(t.Context(), "notes.txt", strings.NewReader(given))
		require.ErrorIs(t, err, model.ErrNoReports)
	}
}

func TestMatch(t *testing.T) {
	t.Parallel()
	xml := importer.NewXML(importer.ScopeHost)
	text := importer.NewText()

	require.True(t, xml.Match("a/scan.XML", nil))
	require.True(t, xml.Match("scan", []byte(`<?xml version="1.0"?><nmaprun>`)))
	require.False(t, xml.Match("scan.nmap", []byte("Nmap scan report for 10.0.0.1")))

	require.True(t, text.Match("scan.nmap", nil))
	require.True(t, text.Match("stdout", []byte("Nmap scan report for 10.0.0.1")))
	require.False(t, text.Match("shot.png", []byte{0x89, 'P', 'N', 'G'}))
}

func TestDir(t *testing.T) {
	t.Parallel()
	dir := filepath.Join("testdata", "results")
	targets, err := importer.NewDir(2).Import(t.Context(), dir)
	require.NoError(t, err)

	require.Equal(t, []model.Target{
		{
			IP:              "10.0.0.5",
			Hostname:        "gw.lab.local",
			Ports:           []string{"22", "443", "53"},
			Services:        []string{"ssh", "https", "dns"},
			Vulnerabilities: []string{},
			Source:          filepath.Join(dir, "nested", "scan.nmap"),
		},
		{
			IP:              "10.0.0.7",
			Ports:           []string{"80"},
			Services:        []string{"http"},
			Vulnerabilities: []string{"CVE-2021-41773", "CVE-2021-42013"},
			Source:          filepath.Join(dir, "scan.xml"),
		},
		{
			IP:              "10.0.0.9",
			Ports:           []string{"3306"},
			Services:        []string{"mysql"},
			Vulnerabilities: []string{"CVE-2016-6662"},
			Source:          filepath.Join(dir, "nested", "scan.nmap"),
		},
	}, targets)

	for _, target := range targets {
		require.NotEmpty(t, target.IP)
		require.Len(t, target.Services, len(target.Ports))
	}
}

func TestDir_Idempotent(t *testing.T) {
	t.Parallel()
	src, err := os.ReadFile(filepath.Join("testdata", "results", "scan.xml"))
	require.NoError(t, err)

	once := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(once, "a.xml"), src, 0o644))
	twice := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(twice, "a.xml"), src, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(twice, "b.xml"), src, 0o644))

	d := importer.NewDir(4)
	got1, err := d.Import(t.Context(), once)
	require.NoError(t, err)
	got2, err := d.Import(t.Context(), twice)
	require.NoError(t, err)
	for i := range got1 {
		got1[i].Source = ""
	}
	for i := range got2 {
		got2[i].Source = ""
	}
	require.Equal(t, got1, got2)
}

func TestDir_Missing(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    func(t *testing.T) string
	}{
		{
			scenario: "does not exist",
			given: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nope")
			},
		},
		{
			scenario: "empty",
			given: func(t *testing.T) string {
				return t.TempDir()
			},
		},
		{
			scenario: "only junk",
			given: func(t *testing.T) string {
				dir := t.TempDir()
				require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("hello"), 0o644))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "y.xml"), []byte("<nmaprun"), 0o644))
				return dir
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			targets, err := importer.NewDir(1).Import(t.Context(), tc.given(t))
			require.NoError(t, err)
			require.NotNil(t, targets)
			require.Empty(t, targets)
		})
	}
}

func TestUnion(t *testing.T) {
	t.Parallel()
	got := importer.Union([]model.Target{
		{IP: "10.0.0.10", Ports: []string{"80"}, Services: []string{"http"}},
		{IP: "10.0.0.9", Ports: []string{"22"}, Services: []string{"ssh"}, Vulnerabilities: []string{"CVE-2020-0001"}},
		{IP: "10.0.0.9", Hostname: "db", Ports: []string{"22", "5432"}, Services: []string{"ssh", "postgresql"}, Vulnerabilities: []string{"CVE-2019-0002", "CVE-2020-0001"}},
		{IP: ""},
	})
	require.Equal(t, []model.Target{
		{
			IP:              "10.0.0.9",
			Hostname:        "db",
			Ports:           []string{"22", "5432"},
			Services:        []string{"ssh", "postgresql"},
			Vulnerabilities: []string{"CVE-2019-0002", "CVE-2020-0001"},
		},
		{
			IP:              "10.0.0.10",
			Ports:           []string{"80"},
			Services:        []string{"http"},
			Vulnerabilities: []string{},
		},
	}, got)
}

package render

const providerStanza = `
  config.vm.provider :libvirt do |libvirt|
    libvirt.driver = "qemu"
    libvirt.host = "localhost"
    libvirt.connect_via_ssh = true
    libvirt.username = "root"
    libvirt.storage_pool_name = "default"
  end
end
`

const sshStanza = `
Vagrant.configure("2") do |config|

  # Old centos boxes only allow root over ssh.
  config.ssh.username = "root"
`

const vmDefinitionTemplate = sshStanza + `
  config.vm.define :${vmName} do |${vmName}|
    ${vmName}.vm.box = "${baseImageName}"
    ${vmName}.vm.network :private_network, :ip => '${ipAddress}'
    ${vmName}.vm.provider :libvirt do |domain|
      domain.memory = 4096
      domain.cpus = 2
      domain.nested = true
      domain.volume_cache = 'none'
    end
  end
` + providerStanza

const vmDefinitionWithHostnameTemplate = sshStanza + `
  config.vm.define :${vmName} do |${vmName}|
    ${vmName}.vm.box = "${baseImageName}"
    ${vmName}.vm.network :private_network, :ip => '${ipAddress}'
    ${vmName}.vm.hostname = "${hostname}"
    ${vmName}.vm.provider :libvirt do |domain|
      domain.memory = 4096
      domain.cpus = 2
      domain.nested = true
      domain.volume_cache = 'none'
    end
  end
` + providerStanza

const postInstallTemplate = sshStanza + providerStanza

const metadataTemplate = `{
  "provider"     : "libvirt",
  "format"       : "qcow2",
  "virtual_size" : 40
}
`
